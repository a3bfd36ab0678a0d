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
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/usernameisveryok/PacketScope/analyzer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is one inbound analyzer message.
type wsRequest struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params"`
}

type wsError struct {
	Type    string   `json:"type"`
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type wsData struct {
	Type string           `json:"type"`
	Data *analyzer.Report `json:"data"`
}

// handleWS speaks the live analyzer protocol: JSON requests {type, params},
// exactly one active stream per connection, a new request cancels the
// previous one.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	var cancel context.CancelFunc
	var active sync.WaitGroup
	defer func() {
		if cancel != nil {
			cancel()
		}
		active.Wait()
	}()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("websocket read failed: %v", err)
			}
			return
		}
		if req.Type != "NumLatencyFrequency" {
			send(wsError{Type: req.Type, Error: "Unknown stream type"})
			continue
		}
		params, details := analyzer.ParseParams(req.Params)
		if len(details) > 0 {
			send(wsError{Type: req.Type, Error: "Validation failed", Details: details})
			continue
		}

		if cancel != nil {
			cancel()
			active.Wait()
		}
		var ctx context.Context
		ctx, cancel = context.WithCancel(r.Context())
		active.Add(1)
		go func(streamType string) {
			defer active.Done()
			err := s.Analyzer.Run(ctx, params, func(rep *analyzer.Report) error {
				return send(wsData{Type: streamType, Data: rep})
			})
			if err != nil && ctx.Err() == nil {
				send(wsError{Type: streamType, Error: err.Error()})
			}
		}(req.Type)
	}
}
