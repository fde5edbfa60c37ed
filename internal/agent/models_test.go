package agent

import (
	"context"
	"errors"
	"testing"
)

func TestFindTool(t *testing.T) {
	c := Config{Tools: []Tool{{Name: "save_lead"}, {Name: "book_meeting"}}}

	if _, ok := c.FindTool("book_meeting"); !ok {
		t.Error("declared tool not found")
	}
	if _, ok := c.FindTool("delete_everything"); ok {
		t.Error("found a tool that was never declared")
	}
}

func TestDefaultIsUsable(t *testing.T) {
	c := Default("ws1")
	if c.WorkspaceID != "ws1" {
		t.Errorf("workspace = %q", c.WorkspaceID)
	}
	if c.Model == "" || c.VoiceID == "" || c.Greeting == "" || c.Identity == "" {
		t.Errorf("default agent has empty fields: %+v", c)
	}
	if len(c.Tools) != 0 {
		t.Error("default agent should declare no tools")
	}
}

func TestMemoryStoreScopesByWorkspace(t *testing.T) {
	s := &MemoryStore{Agents: []Config{
		{ID: "ag1", WorkspaceID: "ws1"},
		{ID: "ag1", WorkspaceID: "ws2", Greeting: "other tenant"},
	}}

	got, err := s.GetAgent(context.Background(), "ws2", "ag1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Greeting != "other tenant" {
		t.Errorf("got wrong tenant's agent: %+v", got)
	}

	if _, err := s.GetAgent(context.Background(), "ws3", "ag1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
