package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/duplexio/duplex"
)

type endpointFlags struct {
	host string
	port int
	ssl  bool
}

func (f *endpointFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&f.port, "port", 8000, "server port")
	cmd.Flags().BoolVar(&f.ssl, "ssl", false, "use TLS")
}

func (f *endpointFlags) dial() (*duplex.Socket, error) {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return duplex.Connect(f.host, f.port, f.ssl, duplex.WithLogger(log))
}

// decodeArgs parses each trailing argument as JSON, falling back to a
// plain string.
func decodeArgs(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		var v interface{}
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		out[i] = v
	}
	return out
}

func callCmd() *cobra.Command {
	var ep endpointFlags
	cmd := &cobra.Command{
		Use:   "call <hook> [args...]",
		Short: "Invoke a remote hook and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			so, err := ep.dial()
			if err != nil {
				return err
			}
			defer so.Destroy()
			result, err := so.Call(args[0], decodeArgs(args[1:])...)
			if err != nil {
				return err
			}
			enc, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(enc))
			return nil
		},
	}
	ep.register(cmd)
	return cmd
}

func fireCmd() *cobra.Command {
	var ep endpointFlags
	cmd := &cobra.Command{
		Use:   "fire <event> [args...]",
		Short: "Send a fire-and-forget event",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			so, err := ep.dial()
			if err != nil {
				return err
			}
			defer so.Destroy()
			return so.Fire(args[0], decodeArgs(args[1:])...)
		},
	}
	ep.register(cmd)
	return cmd
}
