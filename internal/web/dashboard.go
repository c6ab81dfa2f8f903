package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/LupusDei/adjutant/internal/beads"
)

// DashboardSection wraps one constituent result. A section either carries
// data or an error string; one failing section never fails the aggregate.
type DashboardSection struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// Dashboard is the single-call aggregate that populates the initial UI.
type Dashboard struct {
	Status         DashboardSection `json:"status"`
	BeadsOpen      DashboardSection `json:"beads_open"`
	BeadsInProg    DashboardSection `json:"beads_in_progress"`
	RecentlyClosed DashboardSection `json:"beads_recently_closed"`
	Crew           DashboardSection `json:"crew"`
	Unread         DashboardSection `json:"unread"`
	Epics          DashboardSection `json:"epics_with_progress"`
	Mail           DashboardSection `json:"mail"`
}

const dashboardTimeout = 8 * time.Second

// getDashboard runs every constituent fetch concurrently and independently.
// HTTP status is 200 whenever at least one section succeeded.
func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), dashboardTimeout)
	defer cancel()

	var dash Dashboard
	var wg sync.WaitGroup

	section := func(target *DashboardSection, fetch func() (any, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := fetch()
			if err != nil {
				target.Error = err.Error()
				return
			}
			target.Data = data
		}()
	}

	section(&dash.Status, func() (any, error) {
		return s.Status.GetStatus()
	})
	section(&dash.BeadsOpen, func() (any, error) {
		return s.Gateway.List(ctx, "", beads.ListOptions{Status: "open"})
	})
	section(&dash.BeadsInProg, func() (any, error) {
		return s.Gateway.List(ctx, "", beads.ListOptions{Status: "in_progress"})
	})
	section(&dash.RecentlyClosed, func() (any, error) {
		return s.Gateway.ListRecentlyClosed(ctx, 24)
	})
	section(&dash.Crew, func() (any, error) {
		return map[string]any{
			"agents":   s.Registry.List(""),
			"sessions": s.Bridge.List(),
		}, nil
	})
	section(&dash.Unread, func() (any, error) {
		return s.Store.UnreadCounts("")
	})
	section(&dash.Epics, func() (any, error) {
		return s.Gateway.EpicsWithProgress(ctx, "", "")
	})
	section(&dash.Mail, func() (any, error) {
		return s.Mail.ListMail("", 10)
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Goroutines may still be writing their sections; wait so the
		// response below reads settled values.
		<-done
	}

	writeOK(w, &dash)
}
