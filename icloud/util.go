package icloud

import (
	"encoding/json"
)

type dict map[string]interface{}

// prettyJSON reindents a raw JSON body for trace logs,
// returning it unchanged when invalid.
func prettyJSON(body []byte) string {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(data)
}
