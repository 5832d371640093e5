package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CuAuPro/switchyard/internal/events"
	"github.com/CuAuPro/switchyard/internal/service/registry"
	apiclient "github.com/CuAuPro/switchyard/pkg/api/client"
)

func newLoginCmd(a *app) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store an access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			if password == "" {
				secret, err := a.readPassword()
				if err != nil {
					return err
				}
				password = secret
			}
			cfg, err := loadConfig(a.configPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(a.apiURL) != "" {
				cfg.APIURL = a.apiURL
			}
			c, err := apiclient.New(cfg.APIURL, a.clientOptions("")...)
			if err != nil {
				return err
			}
			session, err := c.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			cfg.APIURL = c.BaseURL()
			cfg.Token = session.Token
			if err := saveConfig(a.configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(a.out, "logged in as %s (%s)\n", session.User.Email, session.User.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	return cmd
}

func newServicesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"svc"},
		Short:   "Inspect registered services",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List services and their slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			services, err := c.ListServices(cmd.Context())
			if err != nil {
				return err
			}
			if a.output == "json" {
				return printJSON(a.out, services)
			}
			printServices(a.out, services)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <service>",
		Short: "Show one service with recent deployments and activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolveService(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			detail, err := c.GetService(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printDetail(detail)
		},
	})
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register -f manifest.yaml",
		Short: "Register a service, or reseed one with the same name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var manifest serviceManifest
			if err := readYAML(file, &manifest); err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			detail, err := c.RegisterService(cmd.Context(), manifest.input())
			if err != nil {
				return err
			}
			return a.printDetail(detail)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "service manifest")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newConfigureCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "configure <service> -f patch.yaml",
		Short: "Update service metadata or slot image and app port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch patchManifest
			if err := readYAML(file, &patch); err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolveService(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			detail, err := c.ConfigureService(cmd.Context(), patch.input(id))
			if err != nil {
				return err
			}
			return a.printDetail(detail)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "patch manifest")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newLifecycleCmd(a *app, action string) *cobra.Command {
	short := "Start a slot's container"
	if action == "stop" {
		short = "Stop and remove a slot's container"
	}
	return &cobra.Command{
		Use:   action + " <service> <label>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolveService(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			run := c.StartEnvironment
			if action == "stop" {
				run = c.StopEnvironment
			}
			detail, err := run(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			return a.printDetail(detail)
		},
	}
}

func newSwitchCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "switch <service> <label>",
		Short: "Route all traffic to a running slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolveService(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			detail, err := c.Switch(cmd.Context(), registry.SwitchInput{ServiceID: id, ToLabel: args[1], Reason: reason})
			if err != nil {
				return err
			}
			return a.printDetail(detail)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the switch")
	return cmd
}

func newDeployCmd(a *app) *cobra.Command {
	var version, image string
	cmd := &cobra.Command{
		Use:   "deploy <service> <label>",
		Short: "Record a deployment against the inactive slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(version) == "" {
				return errors.New("--version is required")
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolveService(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			dep, err := c.Deploy(cmd.Context(), registry.DeployInput{ServiceID: id, Label: args[1], Version: version, DockerImage: image})
			if err != nil {
				return err
			}
			if a.output == "json" {
				return printJSON(a.out, dep)
			}
			fmt.Fprintf(a.out, "deployment %s queued: %s on %s (%s)\n", dep.ID, dep.Version, args[1], dep.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "version label")
	cmd.Flags().StringVar(&image, "image", "", "docker image")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <service>",
		Short: "Remove a service and both containers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolveService(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			if err := c.DeleteService(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "service %s deleted\n", args[0])
			return nil
		},
	}
}

func newEventsCmd(a *app) *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow engine events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id := ""
			if service != "" {
				if id, err = a.resolveService(cmd.Context(), c, service); err != nil {
					return err
				}
			}
			return c.StreamEvents(cmd.Context(), id, func(evt events.Event) error {
				if a.output == "json" {
					return printJSON(a.out, evt)
				}
				printEvent(a.out, evt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "only events for this service")
	return cmd
}
