package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/loykin/scripthost/pkg/client"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

var outcomeIcons = map[string]string{
	"ok":    "✅",
	"info":  "ℹ️",
	"error": "❌",
}

// printer writes command results in the selected format.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (printer, error) {
	switch format {
	case "", outputText:
		return printer{w: w, format: outputText}, nil
	case outputJSON, outputYAML:
		return printer{w: w, format: format}, nil
	}
	return printer{}, fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

// reply prints a daemon reply. Text output is what a chat user would see.
func (p printer) reply(r client.Reply) error {
	if p.format == outputText {
		icon := outcomeIcons[r.Outcome]
		if icon == "" {
			icon = outcomeIcons["ok"]
		}
		_, err := fmt.Fprintln(p.w, icon+" "+r.Text)
		return err
	}
	return p.value(r)
}

func (p printer) value(v any) error {
	switch p.format {
	case outputYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case outputJSON:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(b))
		return err
	}
	_, err := fmt.Fprintln(p.w, v)
	return err
}
