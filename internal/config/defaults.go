package config

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Match: Match{
			Threshold: 0.45,
		},
		Detector: Detector{
			Backend:        "http",
			URL:            "http://localhost:8000",
			Script:         "python/worker.py",
			TimeoutSeconds: 120,
		},
		Output: Output{
			Path:      "matched_faces_output.mp4",
			FrameRate: 5,
			Geometry:  "reject",
			Codec:     "mpeg4",
		},
		Publish: Publish{
			Endpoint: "localhost:9000",
			Bucket:   "reelmatch",
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
	}
}
