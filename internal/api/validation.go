package api

import (
	"fmt"
	"strings"
)

func validateCreateJob(req CreateJobRequest, validator CronValidator) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("name is required")
	}

	if strings.TrimSpace(req.Cron) == "" {
		return fmt.Errorf("cron is required")
	}

	if err := validator.Validate(req.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %q", req.Cron)
	}

	if req.JobFields == nil {
		return fmt.Errorf("job_fields is required")
	}

	return nil
}
