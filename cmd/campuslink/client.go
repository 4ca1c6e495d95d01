package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/campuslink/campuslink/internal/api"
	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/friend"
	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/profile"
	"github.com/campuslink/campuslink/internal/protocol"
)

// queryTimeout bounds the short API calls.
const queryTimeout = 10 * time.Second

// clientOptions are the persistent flags shared by every command.
type clientOptions struct {
	configPath string
	apiAddress string
	token      string
}

// client builds an API client from the flags, falling back to the config
// file and then to the defaults.
func (o *clientOptions) client() *api.Client {
	address, token := o.apiAddress, o.token
	if address == "" || token == "" {
		cfg := config.Default()
		if loaded, err := config.Load(o.configPath); err == nil {
			cfg = loaded
		}
		if address == "" {
			address = cfg.API.Address
		}
		if token == "" {
			token = cfg.API.Token
		}
		if token == "" {
			token = os.Getenv("CAMPUSLINK_TOKEN")
		}
	}
	return api.NewClient(address, token)
}

func queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), queryTimeout)
}

func idCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Show this node's endpoint ID",
		Long:  "Print the endpoint ID stored in the data directory. Works without a running node.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			kp, err := identity.Load(cfg.Node.DataDir)
			if err != nil {
				return fmt.Errorf("failed to load identity (run \"campuslink init\" first): %w", err)
			}
			fmt.Println(kp.ID().String())
			return nil
		},
	}
}

func ticketCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ticket",
		Short: "Print a ticket others can use to reach this node",
		Long: `Print this node's ticket (<endpoint id>@<ip:port>,...). A peer can pass
the ticket to "campuslink send" without discovery.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := queryContext()
			defer cancel()

			id, err := opts.client().ID(ctx)
			if err != nil {
				return err
			}
			fmt.Println(id.Ticket)
			return nil
		},
	}
}

func peersCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List recently discovered peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := queryContext()
			defer cancel()

			resp, err := opts.client().Peers(ctx)
			if err != nil {
				return err
			}
			if len(resp.Peers) == 0 {
				fmt.Println(dimStyle.Render("No peers seen."))
				return nil
			}
			for _, p := range resp.Peers {
				fmt.Printf("%s  %s  %v\n",
					peerStyle.Render(p.EndpointID),
					dimStyle.Render(humanize.Time(p.SeenAt)),
					p.Addrs)
			}
			return nil
		},
	}
}

func requestsCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "List pending friend requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := queryContext()
			defer cancel()

			resp, err := opts.client().Requests(ctx)
			if err != nil {
				return err
			}
			if len(resp.Requests) == 0 {
				fmt.Println(dimStyle.Render("No pending requests."))
				return nil
			}
			for _, r := range resp.Requests {
				fmt.Printf("%s (%s)  %s  %s\n",
					titleStyle.Render(r.Request.Name), r.Request.From,
					peerStyle.Render(r.Request.RemoteID.String()),
					dimStyle.Render(humanize.Time(r.ReceivedAt)))
			}
			return nil
		},
	}
}

func sendCmd(opts *clientOptions) *cobra.Command {
	var (
		timeout     time.Duration
		profilePath string
	)

	cmd := &cobra.Command{
		Use:   "send <endpoint-id | ticket>",
		Short: "Send a friend request and wait for the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sd, err := loadOptionalProfile(profilePath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			fmt.Println(dimStyle.Render("Waiting for the peer to answer..."))
			resp, err := opts.client().Send(ctx, args[0], sd)
			if err != nil {
				var se *api.StatusError
				if errors.As(err, &se) && se.Status == http.StatusConflict {
					fmt.Println(warnStyle.Render("✗ Request declined."))
					return nil
				}
				return err
			}
			fmt.Println(okStyle.Render("✓ Accepted by " + resp.RemoteID))
			fmt.Println(renderProfile(resp.ShareData))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the peer to answer")
	cmd.Flags().StringVar(&profilePath, "profile", "", "Send this profile file instead of the node's own")

	return cmd
}

func acceptCmd(opts *clientOptions) *cobra.Command {
	var profilePath string

	cmd := &cobra.Command{
		Use:   "accept <endpoint-id>",
		Short: "Accept the oldest pending request from a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := identity.ParseEndpointID(args[0])
			if err != nil {
				return err
			}
			sd, err := loadOptionalProfile(profilePath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			resp, err := opts.client().Accept(ctx, remote, sd)
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render("✓ Exchange complete with " + resp.RemoteID))
			fmt.Println(renderProfile(resp.ShareData))
			return nil
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "", "Send this profile file instead of the node's own")

	return cmd
}

func rejectCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <endpoint-id>",
		Short: "Reject the oldest pending request from a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := identity.ParseEndpointID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := queryContext()
			defer cancel()

			if err := opts.client().Reject(ctx, remote); err != nil {
				return err
			}
			fmt.Println("Request rejected.")
			return nil
		},
	}
}

func discoverCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Control LAN discovery on the running node",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start announcing and browsing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := queryContext()
			defer cancel()
			if err := opts.client().StartDiscovery(ctx); err != nil {
				return err
			}
			fmt.Println("Discovery started.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop discovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := queryContext()
			defer cancel()
			if err := opts.client().StopDiscovery(ctx); err != nil {
				return err
			}
			fmt.Println("Discovery stopped.")
			return nil
		},
	})

	return cmd
}

func profileCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or replace the running node's profile",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the local profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := queryContext()
			defer cancel()
			sd, err := opts.client().Profile(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderProfile(sd))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <file>",
		Short: "Load a profile YAML file into the running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sd, err := profile.Load(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := queryContext()
			defer cancel()
			if err := opts.client().SetProfile(ctx, sd); err != nil {
				return err
			}
			fmt.Printf("Profile set: %s (%s)\n", sd.Name, sd.Registration)
			return nil
		},
	})

	return cmd
}

func eventsCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream events from the running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return opts.client().Events(ctx, func(ev friend.Event) error {
				fmt.Println(renderEvent(ev, time.Now()))
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("campuslink %s (protocol %s)\n", Version, protocol.ALPN)
		},
	}
}

func tokenHashCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "token-hash",
		Short: "Generate a bcrypt hash for api.token_hash",
		Long: `Read an API token and print its bcrypt hash. Put the hash in the
config as api.token_hash to keep the plain token out of the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var token []byte
			if term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprint(os.Stderr, "Token: ")
				b, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = b
			} else {
				b, err := io.ReadAll(io.LimitReader(os.Stdin, 1024))
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = bytes.TrimSpace(b)
			}
			if len(token) == 0 {
				return errors.New("token must not be empty")
			}

			hash, err := bcrypt.GenerateFromPassword(token, cost)
			if err != nil {
				return err
			}
			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	return cmd
}

func loadOptionalProfile(path string) (*profile.ShareData, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("profile file: %w", err)
	}
	return profile.Load(path)
}
