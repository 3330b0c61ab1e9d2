package pprof

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
)

// ListenAndServe binds the default pprof mux to localhost. The worker runs
// behind the API service, so profiles are only reachable from the host.
func ListenAndServe(port int) error {
	return fmt.Errorf("pprof listener stopped: %w", http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), nil))
}
