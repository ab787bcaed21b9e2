package discipline

import "gonum.org/v1/gonum/stat"

// PhaseStats summarizes the FLL window.
type PhaseStats struct {
	Samples     int     `json:"samples"`
	MeanNs      float64 `json:"mean_ns"`
	StdDevNs    float64 `json:"stddev_ns"`
	MeanRatePPT float64 `json:"mean_rate_ppt"`
	DriftPPT    float64 `json:"drift_ppt"`
}

// Stats computes the mean and spread of the filtered phase over the FLL
// window, with the mean applied rate and the phase slope across it.
func (e *Engine) Stats() PhaseStats {
	raw := e.phaseHist.values()
	ps := PhaseStats{Samples: len(raw)}
	if len(raw) == 0 {
		return ps
	}

	phases := make([]float64, len(raw))
	xs := make([]float64, len(raw))
	for i, v := range raw {
		phases[i] = float64(v) / (1 << filterShift)
		xs[i] = float64(i)
	}
	if len(phases) > 1 {
		ps.MeanNs, ps.StdDevNs = stat.MeanStdDev(phases, nil)
		// ns per second is 1000 ppt
		_, slope := stat.LinearRegression(xs, phases, nil, false)
		ps.DriftPPT = slope * 1000
	} else {
		ps.MeanNs = phases[0]
	}

	rates := e.rateHist.values()
	if len(rates) > 0 {
		fr := make([]float64, len(rates))
		for i, v := range rates {
			fr[i] = float64(v)
		}
		ps.MeanRatePPT = stat.Mean(fr, nil)
	}
	return ps
}
