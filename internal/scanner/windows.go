package scanner

// Window is one overlapping scan unit of the source timeline. Index is
// used only to drain results in order; it is never persisted.
type Window struct {
	Index    int
	Start    float64
	Duration float64
}

// partitionWindows splits [offset, offset+total) into fixed-length
// windows overlapping by overlap seconds. The overlap must exceed the
// longest plausible delivery so nothing straddles a boundary without
// appearing whole in at least one window.
func partitionWindows(offset, total, length, overlap float64) []Window {
	if total <= 0 || length <= 0 {
		return nil
	}

	stride := length - overlap
	if stride <= 0 {
		stride = length
	}

	var windows []Window
	for start := 0.0; start < total; start += stride {
		dur := length
		if start+dur > total {
			dur = total - start
		}
		windows = append(windows, Window{
			Index:    len(windows),
			Start:    offset + start,
			Duration: dur,
		})
		if start+length >= total {
			break
		}
	}
	return windows
}
