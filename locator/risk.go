/*
Copyright (c) PacketScope and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package locator

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

const (
	// highLatencyMs flags a hop as anomalously slow.
	highLatencyMs = 200.0
	// intelRiskPoints is the score contribution of one threat-intel hit.
	intelRiskPoints = 40
	// anomalyRiskPoints is the per-anomaly increment on the final score.
	anomalyRiskPoints = 10
	maxRiskScore      = 100
	// historyDepth is how many previous runs deviation analysis considers.
	historyDepth = 5
)

// ThreatIntel maps hop IPs to human-readable threat labels, loaded from
// risky_ips.json. When the file is absent the updater is invoked once to
// create it.
type ThreatIntel struct {
	Path      string
	UpdateCmd []string
}

// Load reads the map, invoking the updater on a missing file. An empty map
// is returned on any failure: risk analysis degrades, it never breaks.
func (t *ThreatIntel) Load() map[string]string {
	data, err := os.ReadFile(t.Path)
	if os.IsNotExist(err) && len(t.UpdateCmd) > 0 {
		log.Infof("threat intel map missing, running updater")
		cmd := exec.Command(t.UpdateCmd[0], t.UpdateCmd[1:]...)
		if uerr := cmd.Run(); uerr != nil {
			log.Warnf("threat intel updater failed: %v", uerr)
			return map[string]string{}
		}
		data, err = os.ReadFile(t.Path)
	}
	if err != nil {
		log.Warnf("unable to read threat intel map: %v", err)
		return map[string]string{}
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warnf("unable to parse threat intel map: %v", err)
		return map[string]string{}
	}
	return m
}

// Analysis is the result of comparing a run against its history.
type Analysis struct {
	Anomalies []string `json:"anomalies"`
	Alerts    []string `json:"alerts"`
	RiskScore int      `json:"riskScore"`
}

// Analyze compares the current hop set against the previous runs. A hop IP
// never seen before contributes a PathDeviation anomaly; latency above the
// threshold contributes a HighLatency alert; a threat-intel hit adds a
// fixed risk increment. The final score is capped at 100.
func Analyze(current []Hop, previous [][]Hop, intel map[string]string) Analysis {
	a := Analysis{Anomalies: []string{}, Alerts: []string{}}

	seen := map[string]bool{}
	for _, run := range previous {
		for _, h := range run {
			if h.IP != nil {
				seen[*h.IP] = true
			}
		}
	}

	raw := 0
	for _, h := range current {
		if h.IP == nil {
			continue
		}
		ip := *h.IP
		if len(previous) > 0 && !seen[ip] {
			msg := fmt.Sprintf("PathDeviation: hop %d via %s not seen in previous runs", h.Hop, ip)
			a.Anomalies = append(a.Anomalies, msg)
			a.Alerts = append(a.Alerts, msg)
		}
		if h.Latency != nil && *h.Latency > highLatencyMs {
			a.Alerts = append(a.Alerts, fmt.Sprintf("HighLatency: hop %d (%s) at %.1f ms", h.Hop, ip, *h.Latency))
		}
		if label, hit := intel[ip]; hit {
			raw += intelRiskPoints
			a.Alerts = append(a.Alerts, fmt.Sprintf("ThreatIntel: hop %d (%s) flagged: %s", h.Hop, ip, label))
		}
	}

	score := raw + anomalyRiskPoints*len(a.Anomalies)
	if score > maxRiskScore {
		score = maxRiskScore
	}
	a.RiskScore = score
	return a
}
