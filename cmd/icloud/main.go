package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/ivandeex/go-icloud-session/icloud"
	"github.com/ivandeex/go-icloud-session/icloud/api"
	"github.com/ivandeex/go-icloud-session/icloud/credentials"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const maxLoginAttempts = 3

var (
	cfgFile string
	verbose int
)

func init() {
	// Load .env file if exists
	_ = godotenv.Load()

	cobra.OnInitialize(initConfig)

	// Globally disable alphabetical sorting of all commands in help output.
	cobra.EnableCommandSorting = false

	// Disable alphabetical sorting of flags in help output.
	flags := rootCommand.Flags()
	flags.SortFlags = false

	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/icloud/config.yaml)")
	flags.StringP("username", "u", "", "Apple ID to use")
	flags.StringP("password", "p", "", "Apple ID password to use; looked up in the system keyring when empty")
	flags.Bool("china-mainland", false, "Use the endpoints for Apple IDs registered in China mainland")
	flags.BoolP("non-interactive", "n", false, "Disable interactive prompts")
	flags.Bool("delete-from-keyring", false, "Delete stored password and trust token for this username")
	flags.String("cookie-directory", "", "Directory for cookie and session files")
	flags.Bool("list", false, "List Find My iPhone devices of the account")
	flags.Bool("exclude-family", false, "Leave family members' devices out of the listing")
	flags.CountVarP(&verbose, "verbose", "v", "Log more stuff")

	for _, name := range []string{
		"username", "password", "china-mainland", "non-interactive",
		"delete-from-keyring", "cookie-directory", "list", "exclude-family",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "icloud"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("icloud")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCommand = &cobra.Command{
	Use:          "icloud",
	Short:        "Apple iCloud CLI",
	RunE:         rootMain,
	SilenceUsage: true,
}

func setupLogging() {
	if verbose < 0 {
		verbose = 0
	}
	var level log.Level
	switch verbose {
	case 0:
		level = log.ErrorLevel
	case 1:
		level = log.InfoLevel
	case 2:
		level = log.DebugLevel
	default:
		level = log.TraceLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		ForceColors:     true,
		DisableQuote:    true,
		PadLevelText:    true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.999",
	})
}

func rootMain(command *cobra.Command, _ []string) error {
	setupLogging()

	ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt)
	defer stop()

	username := strings.TrimSpace(viper.GetString("username"))
	if username == "" {
		return errors.New("no username supplied")
	}
	interactive := !viper.GetBool("non-interactive")
	store := credentials.NewStore("")
	ui := surveyUI{}

	if viper.GetBool("delete-from-keyring") {
		if err := store.DeletePassword(username); err != nil {
			log.Warnf("Cannot delete password from keyring: %v", err)
		}
		if err := store.DeleteTrust(username); err != nil {
			log.Warnf("Cannot delete trust token: %v", err)
		}
	}

	password := strings.TrimSpace(viper.GetString("password"))
	var (
		client *icloud.Client
		err    error
	)
	for attempt := 1; ; attempt++ {
		if password == "" {
			if password, err = store.Password(username, interactive); err != nil {
				return err
			}
		}
		client, err = icloud.New(ctx, icloud.Config{
			AppleID:       username,
			Password:      password,
			Interactive:   interactive,
			CookieDir:     viper.GetString("cookie-directory"),
			ChinaMainland: viper.GetBool("china-mainland"),
			ExcludeFamily: viper.GetBool("exclude-family"),
			Credentials:   store,
			Logger:        log.StandardLogger(),
		})
		if err == nil {
			break
		}
		if !errors.Is(err, icloud.ErrLoginFailed) {
			return err
		}
		log.Errorf("Bad username or password for %s: %v", username, err)
		if store.PasswordExists(username) {
			_ = store.DeletePassword(username)
		}
		if !interactive || attempt >= maxLoginAttempts {
			return err
		}
		password = ""
	}

	if !store.PasswordExists(username) && interactive {
		if ok, err := ui.confirm("Save password in keyring?"); err == nil && ok {
			if err := store.StorePassword(username, password); err != nil {
				log.Warnf("Cannot store password in keyring: %v", err)
			}
		}
	}

	verified, err := verify(ctx, client, ui, interactive)
	if err != nil {
		return err
	}
	if verified {
		if err := client.Authenticate(ctx, true, ""); err != nil {
			return err
		}
	}

	if viper.GetBool("list") {
		devices, err := client.Devices(ctx)
		if err != nil {
			return err
		}
		for _, dev := range devices {
			printDevice(dev)
		}
	}
	return nil
}

func printDevice(dev api.FindMyDevice) {
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("Name          - %s\n", dev.Name)
	fmt.Printf("Display Name  - %s\n", dev.DeviceDisplayName)
	if dev.Location != nil {
		fmt.Printf("Location      - %.6f,%.6f\n", dev.Location.Latitude, dev.Location.Longitude)
	} else {
		fmt.Printf("Location      - unknown\n")
	}
	fmt.Printf("Battery Level - %.2f\n", dev.BatteryLevel)
	fmt.Printf("Battery Status- %s\n", dev.BatteryStatus)
	fmt.Printf("Device Class  - %s\n", dev.DeviceClass)
	fmt.Printf("Device Model  - %s\n", dev.DeviceModel)
}
