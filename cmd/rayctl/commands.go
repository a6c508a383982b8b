package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/drewfead/raysession/internal/cli"
	"github.com/drewfead/raysession/internal/control"
	"github.com/drewfead/raysession/internal/signals"
	"github.com/drewfead/raysession/internal/tui/watch"
)

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Announce to the daemon and print what it advertises",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		c, res, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		ad := res.Advertisement
		fmt.Println(cli.GreenText(res.Message()))
		fmt.Printf("  %-13s %s\n", "version", ad.Version)
		fmt.Printf("  %-13s %s\n", "status", ad.ServerStatus)
		fmt.Printf("  %-13s %s\n", "session root", ad.SessionRoot)
		if ad.SessionName != "" {
			fmt.Printf("  %-13s %s\n", "session", ad.SessionName)
		}
		fmt.Printf("  %-13s %s\n", "options", ad.Options)
		if res.NsmLocked {
			fmt.Println(cli.GrayText("  locked by a session manager"))
		}
		if !flagUnderNSM {
			_ = c.Disannounce(ctx)
		}
		return nil
	},
}

var clientsCmd = &cobra.Command{
	Use:     "clients",
	Aliases: []string{"ls"},
	Short:   "List the clients of the open session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			clients, err := c.ListClients(ctx)
			if err != nil {
				return err
			}
			cli.WriteClients(os.Stdout, clients, time.Now())
			return nil
		})
	},
}

var addProxyCmd = &cobra.Command{
	Use:   "add-proxy <executable>",
	Short: "Add a proxied client to the open session",
	Long: `Add a client that is launched and supervised by the daemon.

The arguments line is split like a shell would split it. $CONFIG_FILE,
$RAY_SESSION_NAME and $NSM_CLIENT_ID are expanded when the client starts.

Examples:
  rayctl add-proxy guitarix --config-file '$RAY_SESSION_NAME.gx' --arguments '-f "$CONFIG_FILE"'
  rayctl add-proxy hydrogen --save-signal SIGUSR1 --wait-window --start`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		req := control.AddProxyRequest{Executable: args[0]}
		req.ClientID, _ = f.GetString("id")
		req.ConfigFile, _ = f.GetString("config-file")
		req.Arguments, _ = f.GetString("arguments")
		req.WaitWindow, _ = f.GetBool("wait-window")
		req.ConfigTemplate, _ = f.GetString("template")
		req.AutoStart, _ = f.GetBool("start")

		if f.Changed("save-signal") {
			raw, _ := f.GetString("save-signal")
			sig, err := parseSignal(raw)
			if err != nil {
				return err
			}
			req.SaveSignal = &sig
		}
		if f.Changed("stop-signal") {
			raw, _ := f.GetString("stop-signal")
			sig, err := parseSignal(raw)
			if err != nil {
				return err
			}
			req.StopSignal = &sig
		}

		return withClient(func(ctx context.Context, c *control.Client) error {
			info, err := c.AddProxy(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", cli.GreenText("Added"), cli.Bolden(info.ID))
			if !info.Launchable {
				fmt.Println(cli.RedText("  not launchable: " + info.Problem))
			}
			return nil
		})
	},
}

func parseSignal(raw string) (signals.Signal, error) {
	var sig signals.Signal
	if err := sig.UnmarshalText([]byte(raw)); err != nil {
		return signals.None, err
	}
	return sig, nil
}

// clientVerbCmd builds start/stop/save/kill, which all take a client id
// and print the updated client.
func clientVerbCmd(use, short, done string, verb func(*control.Client, context.Context, string) (*control.ClientInfo, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <client-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				info, err := verb(c, ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s %s  %s\n", cli.GreenText(done), cli.Bolden(info.ID), cli.Styled(cli.StatusLabel(*info), cli.StatusCode(*info)))
				return nil
			})
		},
	}
}

// signalVerbCmd is clientVerbCmd with a --signal override.
func signalVerbCmd(use, short, done string,
	verb func(*control.Client, context.Context, string) (*control.ClientInfo, error),
	with func(*control.Client, context.Context, string, signals.Signal) (*control.ClientInfo, error),
) *cobra.Command {
	var raw string
	cmd := clientVerbCmd(use, short, done, func(c *control.Client, ctx context.Context, id string) (*control.ClientInfo, error) {
		if raw == "" {
			return verb(c, ctx, id)
		}
		sig, err := parseSignal(raw)
		if err != nil {
			return nil, err
		}
		return with(c, ctx, id, sig)
	})
	cmd.Flags().StringVar(&raw, "signal", "", "signal to send instead of the configured one (e.g. SIGUSR1)")
	return cmd
}

var removeCmd = &cobra.Command{
	Use:   "remove <client-id>",
	Short: "Remove a stopped client from the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			if err := c.RemoveClient(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", cli.GreenText("Removed"), cli.Bolden(args[0]))
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <client-id>",
	Short: "Show a client's recorded status changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(func(ctx context.Context, c *control.Client) error {
			entries, err := c.ClientHistory(ctx, args[0], limit)
			if err != nil {
				return err
			}
			cli.WriteHistory(os.Stdout, entries)
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <session>",
	Short: "Open a session under the daemon's root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			info, err := c.OpenSession(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s  %s\n", cli.GreenText("Opened"), cli.Bolden(info.Name), cli.GrayText(fmt.Sprintf("%s, %d clients", info.Path, info.Clients)))
			return nil
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Stop every client and close the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			if err := c.CloseSession(ctx); err != nil {
				return err
			}
			fmt.Println(cli.GreenText("Closing session"))
			return nil
		})
	},
}

var saveSessionCmd = &cobra.Command{
	Use:   "save-session",
	Short: "Ask every ready client to save",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			if err := c.SaveSession(ctx); err != nil {
				return err
			}
			fmt.Println(cli.GreenText("Saving session"))
			return nil
		})
	},
}

var quitCmd = &cobra.Command{
	Use:   "quit",
	Short: "Shut the daemon down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			if err := c.Quit(ctx); err != nil {
				return err
			}
			fmt.Println(cli.GreenText("Daemon shutting down"))
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of the session's clients",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			p := tea.NewProgram(watch.New(c, cfg.UI.RefreshInterval), tea.WithAltScreen())
			_, err := p.Run()
			return err
		})
	},
}

func registerCommands() {
	addProxyCmd.Flags().String("id", "", "Client id (default derived from the executable)")
	addProxyCmd.Flags().String("config-file", "", "Config file the client loads, may use $RAY_SESSION_NAME")
	addProxyCmd.Flags().String("arguments", "", `Arguments line (default "$CONFIG_FILE" when a config file is set)`)
	addProxyCmd.Flags().String("save-signal", "None", "Signal asking the client to save: None, SIGUSR1, SIGUSR2, SIGINT")
	addProxyCmd.Flags().String("stop-signal", "SIGTERM", "Signal asking the client to quit: SIGTERM, SIGINT, SIGHUP, None")
	addProxyCmd.Flags().Bool("wait-window", false, "Report the client open only once it shows a window")
	addProxyCmd.Flags().String("template", "", "File copied to the config file before the first start")
	addProxyCmd.Flags().Bool("start", false, "Start the client right away")

	historyCmd.Flags().IntP("limit", "n", 20, "Number of entries")

	rootCmd.AddCommand(
		announceCmd,
		clientsCmd,
		addProxyCmd,
		clientVerbCmd("start", "Start a client", "Starting", (*control.Client).StartClient),
		signalVerbCmd("stop", "Stop a client with its stop signal", "Stopping", (*control.Client).StopClient, (*control.Client).StopClientWith),
		signalVerbCmd("save", "Ask a client to save", "Saving", (*control.Client).SaveClient, (*control.Client).SaveClientWith),
		clientVerbCmd("kill", "Kill a client that ignored its stop signal", "Killing", (*control.Client).KillClient),
		removeCmd,
		historyCmd,
		openCmd,
		closeCmd,
		saveSessionCmd,
		quitCmd,
		watchCmd,
	)
}
