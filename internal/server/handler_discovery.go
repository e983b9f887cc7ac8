package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	respondOK(w, rid, discoveryResponse{
		Name:        "gowdl",
		Version:     "v1",
		Description: "gowdl workflow engine status and lifecycle events",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health, backend and scheduler usage"},
			{"/api/v1/runs", []string{"GET"}, "Summaries of every run seen by this process"},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single run summary"},
			{"/api/v1/runs/{id}/events", []string{"GET"}, "Server-Sent Events stream of one run"},
			{"/api/v1/events", []string{"GET"}, "Server-Sent Events stream of every run"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
