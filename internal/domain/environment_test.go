package domain

import "testing"

func TestParseMetadataDefaultsContainerState(t *testing.T) {
	meta := ParseMetadata([]byte(`{"hostPort": 4100, "appPort": 4000}`))
	if meta.ContainerState != ContainerStopped {
		t.Fatalf("expected stopped default, got %q", meta.ContainerState)
	}
	if meta.HostPort != 4100 || meta.AppPort != 4000 {
		t.Fatalf("unexpected ports %+v", meta)
	}
}

func TestParseMetadataDropsInvalidValues(t *testing.T) {
	meta := ParseMetadata([]byte(`{"hostPort": "4100", "appPort": 70000, "containerName": 5, "containerState": "paused"}`))
	if meta.HostPort != 0 || meta.AppPort != 0 || meta.ContainerName != "" {
		t.Fatalf("expected invalid values dropped, got %+v", meta)
	}
	if meta.ContainerState != ContainerStopped {
		t.Fatalf("expected stopped, got %q", meta.ContainerState)
	}
}

func TestParseMetadataHandlesEmptyAndGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte(`null`), []byte(`not json`)} {
		if got := ParseMetadata(raw); got.ContainerState != ContainerStopped {
			t.Fatalf("expected stopped for %q, got %+v", raw, got)
		}
	}
}

func TestMetadataEncodeRoundTrip(t *testing.T) {
	in := Metadata{HostPort: 4101, AppPort: 8080, ContainerName: "switchyard-billing-slot-a", ContainerState: ContainerRunning}
	if out := ParseMetadata(in.Encode()); out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestContainerNameSanitizes(t *testing.T) {
	if got := ContainerName("Billing API_v2", "slot-a"); got != "switchyard-billing-api-v2-slot-a" {
		t.Fatalf("unexpected container name %q", got)
	}
}
