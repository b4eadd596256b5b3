package handlers

import "net/http"

func NewRouter(v1Handler *V1Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthCheck)
	mux.HandleFunc("/v1/captures/status", v1Handler.CaptureStatus)
	mux.HandleFunc("/v1/spool/add", v1Handler.AddSpoolToWatch)
	mux.HandleFunc("/v1/spool/remove", v1Handler.RemoveSpoolFromWatch)
	return mux
}
