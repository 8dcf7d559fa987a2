package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"example.com/resume_bridge/pkg/sections"
)

var defaultSections = []sections.Section{
	{ID: "0", Name: "General"},
}

func loadSections(path string) ([]sections.Section, error) {
	if path == "" {
		return defaultSections, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read sections %s: %w", path, err)
	}
	return sections.Parse(data)
}

// sectionsHandler serves the preset section list. Responses must not be
// cached since the list changes with the organization setup.
func sectionsHandler(list []sections.Section) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(list)
	}
}
