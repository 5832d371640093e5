package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/CuAuPro/switchyard/pkg/api/client"
)

// app holds the state shared by every command.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	apiURL     string
	output     string

	httpClient *http.Client
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{in: in, out: out, errOut: errOut, output: "table"}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "switchyard",
		Short: "Operate blue/green services through the switchyard API",
		Long: `switchyard registers services with two deployment slots, starts and stops
their containers and moves traffic between them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.output != "table" && a.output != "json" {
				return fmt.Errorf("unsupported output %q (table|json)", a.output)
			}
			if a.configPath == "" {
				path, err := defaultConfigPath()
				if err != nil {
					return err
				}
				a.configPath = path
			}
			return nil
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $HOME/.switchyard/config.yaml)")
	flags.StringVar(&a.apiURL, "api", "", "API base URL (overrides the config file)")
	flags.StringVarP(&a.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newLoginCmd(a),
		newServicesCmd(a),
		newRegisterCmd(a),
		newConfigureCmd(a),
		newLifecycleCmd(a, "start"),
		newLifecycleCmd(a, "stop"),
		newSwitchCmd(a),
		newDeployCmd(a),
		newDeleteCmd(a),
		newEventsCmd(a),
	)
	return root
}

func (a *app) clientOptions(token string) []apiclient.Option {
	opts := []apiclient.Option{apiclient.WithToken(token)}
	if a.httpClient != nil {
		opts = append(opts, apiclient.WithHTTPClient(a.httpClient))
	}
	return opts
}

// client builds an API client from the config file and flags.
func (a *app) client() (*apiclient.Client, error) {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	base := cfg.APIURL
	if strings.TrimSpace(a.apiURL) != "" {
		base = a.apiURL
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("not logged in; run `switchyard login` first")
	}
	return apiclient.New(base, a.clientOptions(cfg.Token)...)
}

// resolveService accepts a service id or name.
func (a *app) resolveService(ctx context.Context, c *apiclient.Client, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		return ref, nil
	}
	services, err := c.ListServices(ctx)
	if err != nil {
		return "", err
	}
	for _, svc := range services {
		if strings.EqualFold(svc.Name, ref) {
			return svc.ID, nil
		}
	}
	return "", fmt.Errorf("service %q not found", ref)
}

// readPassword prompts without echo on a terminal and reads a plain line otherwise.
func (a *app) readPassword() (string, error) {
	fmt.Fprint(a.errOut, "Password: ")
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.errOut)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(secret), nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
