package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStruct renders a structpb.Struct response as either a JSON document
// or a simple key/value table, depending on format.
func formatStruct(msg *structpb.Struct, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(msg.AsMap(), "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal response to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		for key, val := range msg.AsMap() {
			fmt.Fprintf(w, "%s\t%v\n", key, val)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
