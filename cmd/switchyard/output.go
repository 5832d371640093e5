package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatStatus(status domain.EnvironmentStatus) string {
	switch status {
	case domain.StatusHealthy:
		return text.FgGreen.Sprint(string(status))
	case domain.StatusDegraded:
		return text.FgYellow.Sprint(string(status))
	case domain.StatusUnhealthy:
		return text.FgRed.Sprint(string(status))
	default:
		return text.FgHiBlack.Sprint(string(status))
	}
}

func activeMarker(env domain.Environment) string {
	if env.IsActive {
		return "*"
	}
	return ""
}

func latency(env domain.Environment) string {
	if env.LastLatencyMs == nil {
		return "-"
	}
	return strconv.Itoa(*env.LastLatencyMs) + "ms"
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func printServices(w io.Writer, services []domain.ServiceDetail) {
	if len(services) == 0 {
		fmt.Fprintln(w, "no services registered")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Service", "ID", "Slot", "Active", "Container", "Host Port", "Status", "Latency", "Image"})
	for _, svc := range services {
		for _, env := range svc.Environments {
			hostPort := "-"
			if env.Metadata.HostPort > 0 {
				hostPort = strconv.Itoa(env.Metadata.HostPort)
			}
			t.AppendRow(table.Row{svc.Name, svc.ID, env.Label, activeMarker(env), string(env.Metadata.ContainerState), hostPort, formatStatus(env.Status), latency(env), env.DockerImage})
		}
		t.AppendSeparator()
	}
	t.Render()
}

func (a *app) printDetail(detail domain.ServiceDetail) error {
	if a.output == "json" {
		return printJSON(a.out, detail)
	}
	w := a.out
	fmt.Fprintf(w, "%s (%s)\n", text.Bold.Sprint(detail.Name), detail.ID)
	if detail.HealthEndpoint != "" {
		fmt.Fprintf(w, "health: %s\n", detail.HealthEndpoint)
	}

	slots := newTable(w)
	slots.AppendHeader(table.Row{"Slot", "Active", "Container", "Target", "App Port", "Status", "Latency", "Image"})
	for _, env := range detail.Environments {
		slots.AppendRow(table.Row{env.Label, activeMarker(env), string(env.Metadata.ContainerState), env.TargetURL, env.Metadata.AppPort, formatStatus(env.Status), latency(env), env.DockerImage})
	}
	slots.Render()

	if len(detail.Deployments) > 0 {
		deps := newTable(w)
		deps.SetTitle("Deployments")
		deps.AppendHeader(table.Row{"Version", "Status", "Image", "Created"})
		for _, d := range detail.Deployments {
			deps.AppendRow(table.Row{d.Version, d.Status, d.DockerImage, d.CreatedAt.Format(time.RFC3339)})
		}
		deps.Render()
	}
	if len(detail.Activities) > 0 {
		acts := newTable(w)
		acts.SetTitle("Activity")
		acts.AppendHeader(table.Row{"When", "Type", "Message"})
		for _, act := range detail.Activities {
			acts.AppendRow(table.Row{act.CreatedAt.Format(time.RFC3339), act.Type, act.Message})
		}
		acts.Render()
	}
	return nil
}

func printEvent(w io.Writer, evt events.Event) {
	fmt.Fprintf(w, "%s %-20s %s %s\n", evt.Timestamp.Format(time.RFC3339), evt.Type, evt.ServiceID, string(evt.Payload))
}
