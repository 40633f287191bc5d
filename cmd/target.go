package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/cdprelay/internal/target"
	v1 "github.com/DragonSecurity/cdprelay/pkg/config/v1"
	"github.com/DragonSecurity/cdprelay/pkg/config/v1/validation"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

func init() {
	f := targetCmd.Flags()
	f.String("server", "http://localhost:9222", "relay base URL")
	f.String("ca-file", "", "CA bundle trusted for a wss relay")
	f.String("uuid", "", "session id of the page")
	f.String("url", "", "page url")
	f.String("title", "", "page title")
	f.String("description", "", "page description")
	f.String("device-id", "", "device id")
	f.String("frame-id", "", "frame id of the page")
	f.StringSlice("domains", []string{"Page", "Runtime", "DOM"}, "CDP domains the target supports")
	f.Duration("backoff", 0, "pause before reconnecting (default 2s)")

	_ = viper.BindPFlag("target.server", f.Lookup("server"))
	_ = viper.BindPFlag("target.ca_file", f.Lookup("ca-file"))
	_ = viper.BindPFlag("target.uuid", f.Lookup("uuid"))
	_ = viper.BindPFlag("target.url", f.Lookup("url"))
	_ = viper.BindPFlag("target.title", f.Lookup("title"))
	_ = viper.BindPFlag("target.description", f.Lookup("description"))
	_ = viper.BindPFlag("target.device_id", f.Lookup("device-id"))
	_ = viper.BindPFlag("target.frame_id", f.Lookup("frame-id"))
	_ = viper.BindPFlag("target.domains", f.Lookup("domains"))
	_ = viper.BindPFlag("target.backoff", f.Lookup("backoff"))

	rootCmd.AddCommand(targetCmd)
}

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "register a page with a relay and log the commands it forwards",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("target")
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg := v1.TargetConfig{
			Server:      viper.GetString("target.server"),
			CAFile:      viper.GetString("target.ca_file"),
			UUID:        viper.GetString("target.uuid"),
			URL:         viper.GetString("target.url"),
			Title:       viper.GetString("target.title"),
			Description: viper.GetString("target.description"),
			DeviceID:    viper.GetString("target.device_id"),
			FrameID:     viper.GetString("target.frame_id"),
			Domains:     viper.GetStringSlice("target.domains"),
			Backoff:     viper.GetDuration("target.backoff"),
		}
		warnings, err := validation.ValidateTargetConfig(&cfg)
		if warnings != nil {
			log.Warnf("config: %v", warnings)
		}
		if err != nil {
			return err
		}

		c := target.New(target.Config{
			ServerURL: cfg.Server,
			CAFile:    cfg.CAFile,
			Backoff:   cfg.Backoff,
			Page: proto.RegisterPage{
				UUID:             cfg.UUID,
				URL:              cfg.URL,
				Title:            cfg.Title,
				Description:      cfg.Description,
				DeviceID:         cfg.DeviceID,
				FrameID:          cfg.FrameID,
				SupportedDomains: cfg.Domains,
			},
		}, log)
		answerEmpty(c, log)
		return c.Run(ctx)
	},
}

// answerEmpty logs forwarded commands and answers each with an empty result
// so attached clients do not wait forever.
func answerEmpty(c *target.Client, log *util.Logger) {
	c.Fallback(func(env *proto.Envelope) {
		var cmd proto.Command
		if err := proto.Unwrap(env, &cmd); err != nil || cmd.Method == "" {
			log.Debugf("ignored %s event", env.Type)
			return
		}
		log.Infof("command %s.%s %s", cmd.Domain, cmd.Method, string(cmd.Params))
		if len(cmd.ID) == 0 {
			return
		}
		if err := c.Result(proto.Reply(cmd.ID, struct{}{})); err != nil {
			log.Warnf("answer %s.%s: %v", cmd.Domain, cmd.Method, err)
		}
	})
	c.Handle("Network.getResponseBody", func(env *proto.Envelope) {
		_ = c.Reply("Network.getResponseBody", env, map[string]any{"body": "", "base64Encoded": false})
	})
	c.Handle("Network.getCookies", func(env *proto.Envelope) {
		_ = c.Reply("Network.getCookies", env, map[string]any{"cookies": []any{}})
	})
	c.Handle("Network.deleteCookies", func(env *proto.Envelope) {
		_ = c.Reply("Network.deleteCookies", env, map[string]any{})
	})
}
