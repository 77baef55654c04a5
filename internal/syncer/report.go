package syncer

import "time"

// Pass statuses, used as the status metric label.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// EndpointReport is one endpoint's share of a pass.
type EndpointReport struct {
	Endpoint string
	Table    string

	Fetched  int
	Filtered int // removed by the device OS filter
	Stored   int
	Failed   int
	Diverged bool
}

// EndpointError is an endpoint failure that did not abort the pass.
type EndpointError struct {
	Endpoint string
	Err      error
}

// PassReport summarizes one pass.
type PassReport struct {
	Endpoints int
	Fetched   int
	Filtered  int
	Stored    int
	Failed    int

	EndpointErrors []EndpointError
	Results        []EndpointReport

	Duration time.Duration
}

func (r *PassReport) add(er EndpointReport) {
	r.Endpoints++
	r.Fetched += er.Fetched
	r.Filtered += er.Filtered
	r.Stored += er.Stored
	r.Failed += er.Failed
	r.Results = append(r.Results, er)
}

func (r PassReport) status(err error) string {
	switch {
	case err != nil:
		return StatusFailed
	case len(r.EndpointErrors) > 0:
		return StatusPartial
	default:
		return StatusOK
	}
}
