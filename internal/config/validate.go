package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Match.Threshold < -1 || c.Match.Threshold > 1 {
		return fmt.Errorf("match.threshold must be between -1 and 1, got %v", c.Match.Threshold)
	}
	if err := c.validateDetector(); err != nil {
		return err
	}
	if err := c.validateOutput(); err != nil {
		return err
	}
	if err := c.validatePublish(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format must be auto, console or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateDetector() error {
	switch c.Detector.Backend {
	case "http":
		if c.Detector.URL == "" {
			return errors.New("detector.url must be set for the http backend")
		}
	case "python":
		if c.Detector.Script == "" {
			return errors.New("detector.script must be set for the python backend")
		}
	default:
		return fmt.Errorf("detector.backend must be http or python, got %q", c.Detector.Backend)
	}
	if c.Detector.TimeoutSeconds < 0 {
		return errors.New("detector.timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateOutput() error {
	if c.Output.Path == "" {
		return errors.New("output.path must be set")
	}
	if c.Output.FrameRate < 1 {
		return fmt.Errorf("output.frame_rate must be >= 1, got %d", c.Output.FrameRate)
	}
	switch c.Output.Geometry {
	case "reject", "resize", "letterbox":
	default:
		return fmt.Errorf("output.geometry must be reject, resize or letterbox, got %q", c.Output.Geometry)
	}
	return nil
}

func (c *Config) validatePublish() error {
	if !c.Publish.Enabled {
		return nil
	}
	if c.Publish.Endpoint == "" || c.Publish.Bucket == "" {
		return errors.New("publish.endpoint and publish.bucket are required when publishing is enabled")
	}
	return nil
}
