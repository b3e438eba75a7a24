package collab

import "testing"

func seedFleet(b *Bus) {
	b.RegisterAgent(AgentCapability{AgentID: "web", Status: StatusRunning, CurrentLoad: 0.7, Specializations: []string{"web_scanning"}})
	b.RegisterAgent(AgentCapability{AgentID: "net", Status: StatusIdle, CurrentLoad: 0.4, Specializations: []string{"network_recon"}})
	b.RegisterAgent(AgentCapability{AgentID: "net2", Status: StatusRunning, CurrentLoad: 0.2, Specializations: []string{"network_recon"}})
	b.RegisterAgent(AgentCapability{AgentID: "gen", Status: StatusRunning, CurrentLoad: 0.1, Specializations: []string{"general"}})
	b.RegisterAgent(AgentCapability{AgentID: "dead", Status: "error", CurrentLoad: 0, Specializations: []string{"exploitation"}})
}

func TestBus_AvailableAgents(t *testing.T) {
	b := newTestBus(t)
	seedFleet(b)

	all := b.AvailableAgents("")
	want := []string{"gen", "net2", "net", "web"}
	if len(all) != len(want) {
		t.Fatalf("AvailableAgents() = %d agents, want %d", len(all), len(want))
	}
	for i := range want {
		if all[i].AgentID != want[i] {
			t.Errorf("[%d] = %s, want %s", i, all[i].AgentID, want[i])
		}
	}

	recon := b.AvailableAgents("network_recon")
	if len(recon) != 2 || recon[0].AgentID != "net2" {
		t.Errorf("AvailableAgents(network_recon) = %+v", recon)
	}
}

func TestBus_FindBestAgentForTask(t *testing.T) {
	b := newTestBus(t)
	seedFleet(b)

	tests := []struct {
		name     string
		taskType string
		exclude  string
		want     string
		wantOK   bool
	}{
		{"specialized least loaded", "port_scan", "", "net2", true},
		{"exclude best", "port_scan", "net2", "net", true},
		{"web", "web_vuln", "", "web", true},
		{"no specialist falls back to least loaded", "exploitation", "", "gen", true},
		{"unknown task type", "dance", "", "gen", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := b.FindBestAgentForTask(tt.taskType, tt.exclude)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("FindBestAgentForTask(%q, %q) = (%q, %v), want (%q, %v)",
					tt.taskType, tt.exclude, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	empty := newTestBus(t)
	if _, ok := empty.FindBestAgentForTask("recon", ""); ok {
		t.Error("FindBestAgentForTask on empty bus ok = true, want false")
	}
}

func TestBus_TeamStatus(t *testing.T) {
	b := newTestBus(t)
	seedFleet(b)
	b.ClaimTask("web", "fp-1")
	b.ShareDiscovery("net", "port", "1", nil, false)

	ts := b.TeamStatus()
	if len(ts.Agents) != 5 || ts.Agents[0].AgentID != "web" {
		t.Errorf("Agents = %+v", ts.Agents)
	}
	if ts.TasksInProgress != 1 || ts.Discoveries != 1 {
		t.Errorf("TeamStatus = %+v", ts)
	}
	// The claim broadcast lands in the four other mailboxes.
	if ts.PendingMessages != 4 {
		t.Errorf("PendingMessages = %d, want 4", ts.PendingMessages)
	}
}

func TestRequiredSpecializations(t *testing.T) {
	got := RequiredSpecializations("recon")
	if len(got) != 2 || got[0] != "network_recon" || got[1] != "osint" {
		t.Errorf("RequiredSpecializations(recon) = %v", got)
	}
	got[0] = "mutated"
	if RequiredSpecializations("recon")[0] != "network_recon" {
		t.Error("RequiredSpecializations returned shared slice")
	}
	if RequiredSpecializations("nope") != nil {
		t.Error("unknown task type should have no requirements")
	}
}
