package icloud

import (
	"context"

	"github.com/ivandeex/go-icloud-session/icloud/api"
)

// Devices lists the devices known to Find My iPhone,
// including family members' unless the client excludes them.
func (c *Client) Devices(ctx context.Context) ([]api.FindMyDevice, error) {
	svc, err := c.Service(ServiceFindMe)
	if err != nil {
		return nil, err
	}
	body := dict{
		"clientContext": dict{
			"fmly":              c.withFamily,
			"shouldLocate":      true,
			"selectedDevice":    "all",
			"deviceListVersion": 1,
		},
	}
	var res api.FindMyResponse
	if err := svc.Post(ctx, "/fmipservice/client/web/refreshClient", nil, body, &res); err != nil {
		return nil, err
	}
	if len(res.Content) == 0 {
		return nil, ErrNoDevices
	}
	return res.Content, nil
}
