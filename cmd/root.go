package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.olrik.dev/wicman/internal/core"
	"go.olrik.dev/wicman/internal/daemon"
	"go.olrik.dev/wicman/internal/keyring"
)

// promptValue marks an optional flag given without a value.
const promptValue = "\x00"

// requestTimeout covers a full connection attempt on the daemon side.
const requestTimeout = 2 * time.Minute

var commandFlags = []string{"list", "configure", "connect", "autoconnect", "dont-autoconnect", "disconnect", "show", "health"}

type clientOptions struct {
	list       bool
	configure  string
	connect    string
	auto       string
	xauto      string
	disconnect bool
	show       bool
	health     bool
	passphrase string
	priority   int
	remember   bool
	forget     string
}

// request is one client invocation resolved from the command line.
type request struct {
	verb       daemon.Verb
	essid      string
	passphrase string
	prompt     bool // ask for the passphrase before sending
	priority   int
}

func NewRootCommand() *cobra.Command {
	rootCmd, _ := newRootCommand()
	return rootCmd
}

func newRootCommand() (*cobra.Command, *clientOptions) {
	var configPath string
	var verbose bool
	opts := &clientOptions{}

	rootCmd := &cobra.Command{
		Use:   "wicman",
		Short: "wicman - wireless connection manager",
		Long: `wicman - wireless connection manager

Only one command may be specified at a time.
Use "" if the network name contains spaces.`,
		Example: `  wicman -g "my net" -p mypphrase    # configures before first use
  wicman -c "my net"                 # connects only this time
  wicman -a "my net" -r 99           # autoconnect with a high priority`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			daemon.SetupLogging(verbose, "")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.forget != "" {
				if err := keyring.DeletePassphrase(opts.forget); err != nil {
					return err
				}
				fmt.Printf("Forgot passphrase for %s\n", opts.forget)
				return nil
			}

			req, err := resolveRequest(cmd, opts, args)
			if err != nil {
				return err
			}

			slog.Debug(fmt.Sprintf("Reading global configuration from %s", configPath))
			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("Configuration file at %s not found or not readable.\n%w", configPath, err)
			}

			c := newClient(cfg.SocketPath(), opts.remember)
			resp, err := c.do(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Output more information")
	rootCmd.PersistentFlags().StringVarP(&configPath, "configfile", "f", core.DefaultConfigFile, "Use alternate configuration file")

	flags := rootCmd.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&opts.list, "list", "l", false, "List available networks")
	flags.StringVarP(&opts.configure, "configure", "g", "", "Configures wicman to use a passphrase to connect to this ESSID")
	flags.StringVarP(&opts.connect, "connect", "c", "", "Connects to a specified network. If no ESSID is given, connects to the autoconnect list")
	flags.StringVarP(&opts.auto, "autoconnect", "a", "", "wicman will autoconnect to this network when available")
	flags.BoolVarP(&opts.show, "show", "s", false, "Shows the network status and list of networks enabled for autoconnection")
	flags.StringVarP(&opts.xauto, "dont-autoconnect", "x", "", "Drops ESSID from the list of auto-connections")
	flags.BoolVarP(&opts.disconnect, "disconnect", "d", false, "Disconnects from all networks")
	flags.BoolVarP(&opts.health, "health", "H", false, "Forces a health check on the connection")
	flags.StringVarP(&opts.passphrase, "passphrase", "p", "", "With -g or -c, sets the passphrase. Without a value it is read from the terminal")
	flags.IntVarP(&opts.priority, "priority", "r", 0, "With -a, sets the priority for this network. Higher priority nets are attempted first")
	flags.BoolVar(&opts.remember, "remember", false, "With -g or -c, store the passphrase in the OS keyring")
	flags.StringVar(&opts.forget, "forget", "", "Remove the stored passphrase of ESSID from the OS keyring")
	optionalValue(flags, "connect", "passphrase")
	rootCmd.MarkFlagsMutuallyExclusive(append(commandFlags, "forget")...)

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewInternalConnectCommand(),
		NewVersionCommand(),
	)

	return rootCmd, opts
}

// optionalValue lets the named flags appear without a value, which then
// reads as promptValue.
func optionalValue(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flags.Lookup(name).NoOptDefVal = promptValue
	}
}

// resolveRequest turns the flags into a request. Optional flag values given
// as separate words (-c "my net", -p secret) arrive as positional args.
func resolveRequest(cmd *cobra.Command, opts *clientOptions, args []string) (request, error) {
	flags := cmd.Flags()
	positional := args
	next := func() (string, bool) {
		if len(positional) == 0 {
			return "", false
		}
		v := positional[0]
		positional = positional[1:]
		return v, true
	}

	var req request
	switch {
	case opts.list:
		req.verb = daemon.VerbList
	case flags.Changed("configure"):
		req.verb, req.essid = daemon.VerbConfigure, opts.configure
	case flags.Changed("connect"):
		req.verb, req.essid = daemon.VerbConnect, opts.connect
		if req.essid == promptValue {
			req.essid, _ = next()
		}
	case flags.Changed("autoconnect"):
		req.verb, req.essid = daemon.VerbAddAuto, opts.auto
	case flags.Changed("dont-autoconnect"):
		req.verb, req.essid = daemon.VerbDropAuto, opts.xauto
	case opts.disconnect:
		req.verb = daemon.VerbDisconnect
	case opts.show:
		req.verb = daemon.VerbShow
	case opts.health:
		req.verb = daemon.VerbHealth
	default:
		return req, errors.New("You must specify one command for wicman. Use wicman -h for details")
	}

	if flags.Changed("passphrase") {
		if req.verb != daemon.VerbConfigure && req.verb != daemon.VerbConnect {
			return req, errors.New("-p should only be used after -g or -c")
		}
		req.passphrase = opts.passphrase
		if req.passphrase == promptValue {
			req.passphrase = ""
			if v, ok := next(); ok {
				req.passphrase = v
			} else {
				req.prompt = true
			}
		}
	}

	if flags.Changed("priority") {
		if req.verb != daemon.VerbAddAuto {
			return req, errors.New("-r should only be used with -a")
		}
		req.priority = opts.priority
	}

	if opts.remember && req.verb != daemon.VerbConfigure && req.verb != daemon.VerbConnect {
		return req, errors.New("--remember should only be used with -g or -c")
	}

	if len(positional) > 0 {
		return req, fmt.Errorf("unexpected argument %s", strconv.Quote(positional[0]))
	}
	return req, nil
}

// client talks to the daemon and handles passphrase requests.
type client struct {
	socketPath string
	remember   bool

	send    func(ctx context.Context, socketPath, line string) (string, error)
	prompt  func(essid string) (string, error)
	lookup  func(essid string) (string, error)
	store   func(essid, passphrase string) error
	confirm func(essid string) (string, error)
}

func newClient(socketPath string, remember bool) *client {
	return &client{
		socketPath: socketPath,
		remember:   remember,
		send:       daemon.SendCommand,
		prompt:     keyring.PromptPassphrase,
		confirm:    keyring.PromptAndConfirmPassphrase,
		lookup: func(essid string) (string, error) {
			if !keyring.HasPassphrase(essid) {
				return "", nil
			}
			return keyring.GetPassphrase(essid)
		},
		store: keyring.SetPassphrase,
	}
}

// do sends req, answering needpp with a remembered or prompted passphrase
// until the daemon gives a final response.
func (c *client) do(ctx context.Context, req request) (string, error) {
	if req.prompt {
		ask := c.prompt
		if req.verb == daemon.VerbConfigure {
			ask = c.confirm
		}
		pp, err := ask(req.essid)
		if err != nil {
			return "", err
		}
		req.passphrase = pp
	}

	triedKeyring := false
	for {
		slog.Debug(fmt.Sprintf("Opening communication with wicmand daemon on %s", c.socketPath))
		resp, err := c.exchange(ctx, daemon.FormatRequest(req.verb, req.essid, req.passphrase, req.priority))
		if err != nil {
			return "", err
		}

		if firstLine(resp) != daemon.NeedPassphrase {
			if c.remember && req.passphrase != "" && succeeded(resp) {
				if err := c.store(req.essid, req.passphrase); err != nil {
					slog.Warn(fmt.Sprintf("Failed to remember passphrase: %v", err))
				}
			}
			return resp, nil
		}

		if !triedKeyring {
			triedKeyring = true
			if pp, err := c.lookup(req.essid); err != nil {
				slog.Debug("Keyring lookup failed", "error", err)
			} else if pp != "" {
				slog.Debug(fmt.Sprintf("Using remembered passphrase for %s", req.essid))
				req.passphrase = pp
				continue
			}
		}

		pp, err := c.prompt(req.essid)
		if err != nil {
			return "", err
		}
		if pp == "" {
			return "", fmt.Errorf("a passphrase is required for %s", req.essid)
		}
		req.passphrase = pp
	}
}

func (c *client) exchange(ctx context.Context, line string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.send(ctx, c.socketPath, line)
	if err != nil {
		return "", fmt.Errorf("Unable to open communication with wicmand daemon.\nMake sure it is running and using the same configuration file as this program.\n%w", err)
	}
	return resp, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func succeeded(resp string) bool {
	return strings.HasPrefix(resp, "Connected to ") || resp == "Configuration ok"
}
