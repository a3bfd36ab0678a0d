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

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/usernameisveryok/PacketScope/locator"
	"github.com/usernameisveryok/PacketScope/tracer"
)

// errorResponse is the structured shape for bad query input.
type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("unable to encode response: %v", err)
	}
}

func writeInputError(w http.ResponseWriter, details []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(errorResponse{Error: "Validation failed", Details: details})
}

func requirePost(w http.ResponseWriter, r *http.Request, name string) bool {
	if r.Method != http.MethodPost {
		http.Error(w, name+", Please Use POST", http.StatusBadRequest)
		return false
	}
	return true
}

// parseTuple validates the srcip/dstip/sport/dport form fields, returning
// the addresses in the canonical store form.
func parseTuple(r *http.Request) (srcip, dstip string, sport, dport int, details []string) {
	r.ParseForm()
	srcRaw := r.FormValue("srcip")
	dstRaw := r.FormValue("dstip")
	if srcRaw == "" {
		details = append(details, "Missing parameter: srcip")
	} else if srcip = tracer.CanonicalIP(srcRaw); srcip == "" {
		details = append(details, "Invalid value for srcip: "+srcRaw)
	}
	if dstRaw == "" {
		details = append(details, "Missing parameter: dstip")
	} else if dstip = tracer.CanonicalIP(dstRaw); dstip == "" {
		details = append(details, "Invalid value for dstip: "+dstRaw)
	}
	for _, key := range []string{"sport", "dport"} {
		raw := r.FormValue(key)
		if raw == "" {
			details = append(details, "Missing parameter: "+key)
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 65535 {
			details = append(details, "Invalid value for "+key+": "+raw)
			continue
		}
		if key == "sport" {
			sport = v
		} else {
			dport = v
		}
	}
	return srcip, dstip, sport, dport, details
}

func parseCount(r *http.Request, details []string) (int, []string) {
	raw := r.FormValue("count")
	if raw == "" {
		return 0, append(details, "Missing parameter: count")
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, append(details, "Invalid value for count: "+raw)
	}
	return v, details
}

func parseSince(r *http.Request) float64 {
	raw := r.FormValue("since")
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func (s *Server) handleSockList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, tracer.ListAll())
}

func (s *Server) handleFuncTable(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.FuncMapPath)
	if err != nil {
		writeInputError(w, []string{fmt.Sprintf("function table unavailable: %v", err)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r, "SetFilter") {
		return
	}
	srcip, dstip, sport, dport, details := parseTuple(r)
	if len(details) > 0 {
		writeInputError(w, details)
		return
	}
	s.Filter.Set(tracer.FiveTuple{
		SrcIP:   srcip,
		DstIP:   dstip,
		SrcPort: sport,
		DstPort: dport,
	})
	fmt.Fprint(w, "Filter Set!")
}

func (s *Server) handleUnsetFilter(w http.ResponseWriter, r *http.Request) {
	s.Filter.Clear()
	fmt.Fprint(w, "Filter Unset!")
}

func (s *Server) handleClearData(w http.ResponseWriter, r *http.Request) {
	s.ClearData()
	fmt.Fprint(w, "Flag Set!")
}

func (s *Server) handleQueryFuncSend(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r, "QueryFuncSend") {
		return
	}
	srcip, dstip, sport, dport, details := parseTuple(r)
	if len(details) > 0 {
		writeInputError(w, details)
		return
	}
	writeJSON(w, s.Query.FuncSend(srcip, dstip, sport, dport))
}

func (s *Server) handleQueryFuncRecv(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r, "QueryFuncRecv") {
		return
	}
	srcip, dstip, sport, dport, details := parseTuple(r)
	if len(details) > 0 {
		writeInputError(w, details)
		return
	}
	writeJSON(w, s.Query.FuncRecv(srcip, dstip, sport, dport))
}

func (s *Server) handleQueryPacket(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r, "QueryPacket") {
		return
	}
	srcip, dstip, sport, dport, details := parseTuple(r)
	ipver := r.FormValue("ipver")
	if ipver != "4" && ipver != "6" {
		details = append(details, "Invalid value for ipver: "+ipver)
	}
	if len(details) > 0 {
		writeInputError(w, details)
		return
	}
	if ipver == "6" {
		writeJSON(w, s.Query.PacketsV6(srcip, dstip, sport, dport))
		return
	}
	writeJSON(w, s.Query.PacketsV4(srcip, dstip, sport, dport))
}

func (s *Server) handleRecentMap(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r, "GetRecentMap") {
		return
	}
	srcip, dstip, sport, dport, details := parseTuple(r)
	count, details := parseCount(r, details)
	if len(details) > 0 {
		writeInputError(w, details)
		return
	}
	recv, send := s.Query.RecentMaps(srcip, dstip, sport, dport, count, parseSince(r))
	writeJSON(w, []interface{}{recv, send})
}

func (s *Server) handleRecentPacket(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r, "GetRecentPacket") {
		return
	}
	srcip, dstip, sport, dport, details := parseTuple(r)
	count, details := parseCount(r, details)
	ipver := r.FormValue("ipver")
	if ipver != "4" && ipver != "6" {
		details = append(details, "Invalid value for ipver: "+ipver)
	}
	if len(details) > 0 {
		writeInputError(w, details)
		return
	}
	since := parseSince(r)
	if ipver == "6" {
		writeJSON(w, s.Query.RecentPacketsV6(srcip, dstip, sport, dport, count, since))
		return
	}
	writeJSON(w, s.Query.RecentPacketsV4(srcip, dstip, sport, dport, count, since))
}

func (s *Server) handleAttachFinished(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, []bool{s.AttachFinished != nil && s.AttachFinished()})
}

// --- hop-path API ---

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeInputError(w, []string{"Missing parameter: target"})
		return
	}
	useCache := r.URL.Query().Get("cache") != "false"

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	err := s.Locator.Trace(r.Context(), target, useCache, func(h *locator.Hop) error {
		if err := enc.Encode(h); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// nothing streamed yet on resolve failures; report them structured
		writeInputError(w, []string{err.Error()})
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeInputError(w, []string{"Missing parameter: target"})
		return
	}
	records, err := s.Locator.History(target)
	if err != nil {
		writeInputError(w, []string{err.Error()})
		return
	}
	writeJSON(w, records)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeInputError(w, []string{"Missing parameter: target"})
		return
	}
	useCache := r.URL.Query().Get("cache") != "false"
	analysis, err := s.Locator.Analyze(r.Context(), target, useCache)
	if err != nil {
		writeInputError(w, []string{err.Error()})
		return
	}
	writeJSON(w, analysis)
}
