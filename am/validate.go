package am

import (
	"net/url"
	"strings"

	"github.com/teranos/imgbatch/errors"
)

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path must not be empty"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.Newf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes))
	}
	if c.Server.PublicBaseURL != "" {
		if u, err := url.Parse(c.Server.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, errors.Newf("server.public_base_url must be an absolute URL, got %q", c.Server.PublicBaseURL))
		}
	}

	if c.Pulse.Workers < 1 {
		errs = append(errs, errors.Newf("pulse.workers must be at least 1, got %d", c.Pulse.Workers))
	}
	if c.Pulse.MaxAttempts < 1 {
		errs = append(errs, errors.Newf("pulse.max_attempts must be at least 1, got %d", c.Pulse.MaxAttempts))
	}
	if c.Pulse.PollIntervalMS < 1 {
		errs = append(errs, errors.Newf("pulse.poll_interval_ms must be positive, got %d", c.Pulse.PollIntervalMS))
	}
	if c.Pulse.ItemParallelism < 1 {
		errs = append(errs, errors.Newf("pulse.item_parallelism must be at least 1, got %d", c.Pulse.ItemParallelism))
	}
	if c.Pulse.SweepSeconds < 0 {
		errs = append(errs, errors.Newf("pulse.sweep_seconds must not be negative, got %d", c.Pulse.SweepSeconds))
	}

	if c.Fetch.TimeoutSeconds < 1 {
		errs = append(errs, errors.Newf("fetch.timeout_seconds must be at least 1, got %d", c.Fetch.TimeoutSeconds))
	}
	if c.Fetch.RequestsPerSecond < 0 {
		errs = append(errs, errors.Newf("fetch.requests_per_second must not be negative, got %v", c.Fetch.RequestsPerSecond))
	}

	if c.Transform.JPEGQuality < 1 || c.Transform.JPEGQuality > 100 {
		errs = append(errs, errors.Newf("transform.jpeg_quality must be between 1 and 100, got %d", c.Transform.JPEGQuality))
	}
	if c.Transform.MaxWidth < 0 {
		errs = append(errs, errors.Newf("transform.max_width must not be negative, got %d", c.Transform.MaxWidth))
	}

	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir must not be empty"))
	}
	if c.Reports.Dir == "" {
		errs = append(errs, errors.New("reports.dir must not be empty"))
	}

	if c.Notify.TimeoutSeconds < 1 {
		errs = append(errs, errors.Newf("notify.timeout_seconds must be at least 1, got %d", c.Notify.TimeoutSeconds))
	}
	if c.Notify.ClaimLeaseSeconds < 1 {
		errs = append(errs, errors.Newf("notify.claim_lease_seconds must be at least 1, got %d", c.Notify.ClaimLeaseSeconds))
	} else if c.Notify.ClaimLeaseSeconds <= c.Notify.TimeoutSeconds {
		errs = append(errs, errors.Newf("notify.claim_lease_seconds (%d) must be longer than notify.timeout_seconds (%d)",
			c.Notify.ClaimLeaseSeconds, c.Notify.TimeoutSeconds))
	}

	if len(errs) == 0 {
		return nil
	}

	problems := make([]string, len(errs))
	for i, err := range errs {
		problems[i] = err.Error()
	}
	return errors.Newf("invalid configuration: %s", strings.Join(problems, "; "))
}
