package models

// Phase is one segment of the bowling action as judged by the Coach.
type Phase struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Observation string `json:"observation"`
	Tip         string `json:"tip"`
	// ClipTimestamp is the second within the clip where this phase is
	// best visible.
	ClipTimestamp float64 `json:"clip_ts"`
}

// AnalysisResult is the Coach's final verdict for one delivery.
type AnalysisResult struct {
	Report           string   `json:"report"`
	SpeedEstimate    string   `json:"speed_est"`
	Tips             []string `json:"tips"`
	Phases           []Phase  `json:"phases,omitempty"`
	ReleaseTimestamp float64  `json:"release_timestamp"`
	Effort           string   `json:"effort,omitempty"`
	LatencySeconds   float64  `json:"latency,omitempty"`
}
