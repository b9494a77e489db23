package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
	"github.com/cheikhfiteni/context-ta-backend/internal/storage"
)

func sampleUser() *models.ExpandedUser {
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.ExpandedUser{
		Key:            "u1",
		ExternalUserID: "auth0|1",
		Documents: []models.ExpandedDocument{{
			Key:          "d1",
			DocumentHash: "h1",
			Title:        "T",
			Conversations: []models.Conversation{{
				Key:                 "c1",
				DocumentKey:         "d1",
				ScaledPosition:      1,
				MostRecentTimestamp: t1,
				Entries: []models.ConversationEntry{
					{Entity: models.EntityUser, Response: "Hi\nthere", Timestamp: t1},
				},
			}},
		}},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputYAML, false},
		{"json", OutputJSON, false},
		{" TEXT ", OutputText, false},
		{"yaml", OutputYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in, OutputYAML)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteExport_YAMLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExport(&buf, sampleUser(), OutputYAML); err != nil {
		t.Fatal(err)
	}
	var decoded models.ExpandedUser
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v\n%s", err, buf.String())
	}
	if len(decoded.Documents) != 1 || len(decoded.Documents[0].Conversations) != 1 {
		t.Fatalf("unexpected export %+v", decoded)
	}
	if got := decoded.Documents[0].Conversations[0].Entries[0].Response; got != "Hi\nthere" {
		t.Errorf("entry response = %q", got)
	}
}

func TestWriteExport_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExport(&buf, sampleUser(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"User u1 (auth0|1)", `Document d1 "T"`, "Conversation c1 at 1.000, 1 entries", "User: Hi there"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestWriteSearchHits(t *testing.T) {
	resp := &models.EntrySearchResponse{
		Query:     "photosynthesis",
		Total:     1,
		QueryTime: 3,
		Hits: []*models.EntryHit{{
			ConversationKey: "c1",
			Position:        2,
			Entity:          models.EntityAI,
			Response:        strings.Repeat("light ", 100),
			Score:           0.5,
		}},
	}
	var buf bytes.Buffer
	if err := WriteSearchHits(&buf, resp, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `Found 1 matching entries for "photosynthesis"`) || !strings.Contains(out, "[AI] conversation c1 #2") {
		t.Errorf("unexpected text output:\n%s", out)
	}
	if !strings.Contains(out, "...") {
		t.Errorf("long responses should be truncated:\n%s", out)
	}

	buf.Reset()
	if err := WriteSearchHits(&buf, resp, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded models.EntrySearchResponse
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Total != 1 || decoded.Hits[0].ConversationKey != "c1" {
		t.Errorf("decoded %+v", decoded)
	}
}

func TestWriteStatus(t *testing.T) {
	st := &Status{
		Driver: "sqlite",
		Stats:  &storage.Stats{Users: 2, Documents: 3, Conversations: 4, Entries: 5, Contents: 3},
		Footprint: &storage.Footprint{
			Sizes: map[string]int64{"database": 2048, "index": 10},
			Total: 2058,
		},
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, st, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Driver:        sqlite", "Entries:       5", "database     2.0 KiB", "index        10 B"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "database") > strings.Index(out, "index") {
		t.Errorf("labels should be sorted:\n%s", out)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.0 KiB",
		1536:    "1.5 KiB",
		5 << 20: "5.0 MiB",
		3 << 30: "3.0 GiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
