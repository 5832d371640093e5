package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/repository"
)

func seedService(t *testing.T, repo *Repository, name string, portA, portB int) (domain.Service, []domain.Environment) {
	t.Helper()
	svc := domain.Service{ID: name, Name: name}
	envs := []domain.Environment{
		{ID: name + "-a", Label: domain.SlotA, WeightPercent: 0, Metadata: domain.Metadata{HostPort: portA, ContainerState: domain.ContainerStopped}},
		{ID: name + "-b", Label: domain.SlotB, WeightPercent: 100, IsActive: true, Metadata: domain.Metadata{HostPort: portB, ContainerState: domain.ContainerStopped}},
	}
	svc.ActiveTrafficID = name + "-b"
	if err := repo.CreateService(context.Background(), &svc, envs); err != nil {
		t.Fatalf("create service: %v", err)
	}
	return svc, envs
}

func TestCreateServiceRejectsDuplicateHostPort(t *testing.T) {
	repo := New()
	seedService(t, repo, "billing", 4100, 4101)
	svc := domain.Service{ID: "search", Name: "search"}
	envs := []domain.Environment{
		{ID: "s-a", Label: domain.SlotA, Metadata: domain.Metadata{HostPort: 4101}},
		{ID: "s-b", Label: domain.SlotB, WeightPercent: 100, IsActive: true, Metadata: domain.Metadata{HostPort: 4102}},
	}
	if err := repo.CreateService(context.Background(), &svc, envs); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSwitchActiveKeepsSingleActive(t *testing.T) {
	repo := New()
	svc, _ := seedService(t, repo, "billing", 4100, 4101)
	if err := repo.SwitchActive(context.Background(), svc.ID, "billing-a"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	envs, _ := repo.ListEnvironments(context.Background(), svc.ID)
	active := 0
	for _, env := range envs {
		if env.IsActive {
			active++
			if env.ID != "billing-a" || env.WeightPercent != 100 {
				t.Fatalf("unexpected active env %+v", env)
			}
		} else if env.WeightPercent != 0 {
			t.Fatalf("inactive env should have weight 0: %+v", env)
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active env, got %d", active)
	}
	got, _ := repo.GetService(context.Background(), svc.ID)
	if got.ActiveTrafficID != "billing-a" {
		t.Fatalf("expected active traffic pointer updated, got %q", got.ActiveTrafficID)
	}
}

func TestDeleteServiceCascades(t *testing.T) {
	repo := New()
	svc, _ := seedService(t, repo, "billing", 4100, 4101)
	ctx := context.Background()
	_ = repo.CreateDeployment(ctx, &domain.Deployment{ID: "d1", ServiceID: svc.ID, Version: "1"})
	_ = repo.CreateActivity(ctx, &domain.ActivityEvent{ID: "a1", ServiceID: svc.ID, Type: "x"})
	_ = repo.CreateSwitchEvent(ctx, &domain.SwitchEvent{ID: "s1", ServiceID: svc.ID, ToLabel: domain.SlotA})

	if err := repo.DeleteService(ctx, svc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	envs, _ := repo.ListAllEnvironments(ctx)
	deps, _ := repo.ListDeployments(ctx, svc.ID, 10)
	acts, _ := repo.ListActivities(ctx, svc.ID, 10)
	sw, _ := repo.ListSwitchEvents(ctx, svc.ID, 10)
	if len(envs)+len(deps)+len(acts)+len(sw) != 0 {
		t.Fatalf("expected cascade, got envs=%d deps=%d acts=%d switches=%d", len(envs), len(deps), len(acts), len(sw))
	}
}

func TestListActivitiesNewestFirstWithLimit(t *testing.T) {
	repo := New()
	svc, _ := seedService(t, repo, "billing", 4100, 4101)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		_ = repo.CreateActivity(ctx, &domain.ActivityEvent{ID: id, ServiceID: svc.ID, EnvironmentID: "billing-a", Type: "t"})
	}
	acts, err := repo.ListActivities(ctx, svc.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(acts) != 2 || acts[0].ID != "3" || acts[1].ID != "2" {
		t.Fatalf("unexpected order %+v", acts)
	}
	if acts[0].EnvironmentLabel != domain.SlotA {
		t.Fatalf("expected label resolved, got %q", acts[0].EnvironmentLabel)
	}
}
