package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"meshrpc/client"
	"meshrpc/cluster"
	"meshrpc/registry"
)

// cliKind is the kind used by one-shot commands, which never register.
const cliKind = "cli"

func newCallCommand(v *viper.Viper) *cobra.Command {
	var (
		kind, id, route, data string
		timeout               time.Duration
	)
	cmd := &cobra.Command{
		Use:     "call",
		Short:   "Call a route on one member",
		Example: `  meshnode call --kind room --id my-id --route room.echo.upper --data '{"message":"hi"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if v.GetString("server.kind") == "" {
				v.Set("server.kind", cliKind)
			}
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			etcd, err := registry.Connect(cfg.Discovery.Endpoints, cfg.Discovery.DialTimeout, logger)
			if err != nil {
				return err
			}
			defer etcd.Close()
			reg := registry.NewEtcdRegistry(etcd, cfg.Self(), cfg.Registry(), logger)

			tc := cfg.Transport()
			tc.RequestTimeout = timeout
			c := client.NewNatsRPCClient(tc, cfg.Self(), reg, logger)
			if err := c.Start(); err != nil {
				return err
			}
			defer func() { _ = c.Shutdown() }()

			reply, err := c.CallByID(cmd.Context(), cluster.ServerKind(kind), cluster.ServerID(id), route, []byte(data))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&kind, "kind", "", "kind of the target member")
	flags.StringVar(&id, "id", "", "id of the target member")
	flags.StringVar(&route, "route", "", "route, kind.handler.method")
	flags.StringVar(&data, "data", "", "request payload")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	for _, name := range []string{"kind", "id", "route"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newListCommand(v *viper.Viper) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the registered members of a kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if v.GetString("server.kind") == "" {
				v.Set("server.kind", cliKind)
			}
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			etcd, err := registry.Connect(cfg.Discovery.Endpoints, cfg.Discovery.DialTimeout, logger)
			if err != nil {
				return err
			}
			defer etcd.Close()
			reg := registry.NewEtcdRegistry(etcd, cfg.Self(), cfg.Registry(), logger)

			servers, err := reg.ServersByKind(cmd.Context(), cluster.ServerKind(kind))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(servers)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "member kind")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}
