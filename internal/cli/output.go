// Package cli renders command output for the contextta binary.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
	"github.com/cheikhfiteni/context-ta-backend/internal/storage"
	"github.com/cheikhfiteni/context-ta-backend/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text.
	OutputText OutputFormat = "text"
	// OutputJSON is indented JSON for other programs.
	OutputJSON OutputFormat = "json"
	// OutputYAML is YAML, the default for exports.
	OutputYAML OutputFormat = "yaml"
)

const previewLen = 160

// ParseFormat validates a --format flag value. Empty yields def.
func ParseFormat(s string, def OutputFormat) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return def, nil
	case OutputText, OutputJSON, OutputYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use text, json or yaml)", s)
	}
}

func encode(w io.Writer, v interface{}, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q is not structured", format)
}

// WriteSearchHits writes entry search results.
func WriteSearchHits(w io.Writer, resp *models.EntrySearchResponse, format OutputFormat) error {
	if format != OutputText {
		return encode(w, resp, format)
	}
	fmt.Fprintf(w, "\nFound %d matching entries for %q in %dms\n", resp.Total, resp.Query, resp.QueryTime)
	if resp.CorrectedQuery != "" {
		fmt.Fprintf(w, "Showing results for %q\n", resp.CorrectedQuery)
	}
	fmt.Fprintln(w)
	for i, hit := range resp.Hits {
		fmt.Fprintf(w, "%2d. [%s] conversation %s #%d (score %.3f)\n",
			i+1, hit.Entity, hit.ConversationKey, hit.Position, hit.Score)
		fmt.Fprintf(w, "    %s\n", utils.Truncate(utils.OneLine(hit.Response), previewLen))
	}
	return nil
}

// WriteExport writes a fully expanded user.
func WriteExport(w io.Writer, user *models.ExpandedUser, format OutputFormat) error {
	if format != OutputText {
		return encode(w, user, format)
	}
	fmt.Fprintf(w, "User %s (%s)\n", user.Key, user.ExternalUserID)
	for _, doc := range user.Documents {
		fmt.Fprintf(w, "  Document %s %q\n", doc.Key, doc.Title)
		for _, conv := range doc.Conversations {
			fmt.Fprintf(w, "    Conversation %s at %.3f, %d entries\n", conv.Key, conv.ScaledPosition, len(conv.Entries))
			for _, e := range conv.Entries {
				fmt.Fprintf(w, "      %s: %s\n", e.Entity, utils.Truncate(utils.OneLine(e.Response), previewLen))
			}
		}
	}
	return nil
}

// Status is the payload of the status command.
type Status struct {
	Driver    string             `json:"driver" yaml:"driver"`
	Stats     *storage.Stats     `json:"stats" yaml:"stats"`
	Footprint *storage.Footprint `json:"footprint,omitempty" yaml:"footprint,omitempty"`
}

// WriteStatus writes store counts and, when measured, on-disk sizes.
func WriteStatus(w io.Writer, st *Status, format OutputFormat) error {
	if format != OutputText {
		return encode(w, st, format)
	}
	fmt.Fprintf(w, "Driver:        %s\n", st.Driver)
	fmt.Fprintf(w, "Users:         %d\n", st.Stats.Users)
	fmt.Fprintf(w, "Documents:     %d\n", st.Stats.Documents)
	fmt.Fprintf(w, "Conversations: %d\n", st.Stats.Conversations)
	fmt.Fprintf(w, "Entries:       %d\n", st.Stats.Entries)
	fmt.Fprintf(w, "Contents:      %d\n", st.Stats.Contents)
	if st.Footprint != nil {
		fmt.Fprintln(w, "Disk usage:")
		for _, label := range st.Footprint.Labels() {
			fmt.Fprintf(w, "  %-12s %s\n", label, FormatBytes(st.Footprint.Sizes[label]))
		}
		fmt.Fprintf(w, "  %-12s %s\n", "total", FormatBytes(st.Footprint.Total))
	}
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
