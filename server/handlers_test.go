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
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usernameisveryok/PacketScope/tracer"
)

func newTestServer(t *testing.T) (*Server, *tracer.Store, *tracer.Store) {
	t.Helper()
	dir := t.TempDir()
	funcStore, err := tracer.OpenFunctionStore(dir)
	require.Nil(t, err)
	packetStore, err := tracer.OpenPacketStore(dir)
	require.Nil(t, err)
	t.Cleanup(func() {
		funcStore.Close()
		packetStore.Close()
	})

	mapPath := filepath.Join(dir, "FuncIDMap.json")
	require.Nil(t, tracer.WriteFuncIDMap(dir, []tracer.FuncRecord{{ID: 7, Name: "tcp_v4_rcv"}}))

	s := &Server{
		Filter:         tracer.NewFilter(),
		Query:          &tracer.QueryEngine{Func: funcStore, Packet: packetStore},
		ClearData:      func() { funcStore.RaiseClearFlag(); packetStore.RaiseClearFlag() },
		AttachFinished: func() bool { return true },
		FuncMapPath:    mapPath,
	}
	return s, funcStore, packetStore
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func tupleForm() url.Values {
	return url.Values{
		"srcip": {"127.0.0.1"},
		"dstip": {"127.0.0.1"},
		"sport": {"45290"},
		"dport": {"43483"},
	}
}

func TestSetFilterAndUnset(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Router()

	w := postForm(t, h, "/SetFilter", tupleForm())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Filter Set!", w.Body.String())
	require.False(t, s.Filter.Get().Empty())
	require.Equal(t, 45290, s.Filter.Get().SrcPort)

	req := httptest.NewRequest(http.MethodGet, "/UnsetFilter", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "Filter Unset!", w.Body.String())
	require.True(t, s.Filter.Get().Empty())
}

func TestSetFilterRejectsGet(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/SetFilter", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "Please Use POST")
}

func TestSetFilterValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Router()

	form := tupleForm()
	form.Set("srcip", "not-an-ip")
	w := postForm(t, h, "/SetFilter", form)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "Validation failed", resp.Error)
	require.Contains(t, resp.Details, "Invalid value for srcip: not-an-ip")

	form = tupleForm()
	form.Del("dport")
	w = postForm(t, h, "/SetFilter", form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp.Details, "Missing parameter: dport")

	form = tupleForm()
	form.Set("sport", "99999")
	w = postForm(t, h, "/SetFilter", form)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryFuncSendEmpty(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := postForm(t, s.Router(), "/QueryFuncSend", tupleForm())
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())
}

func TestQueryFuncSendReturnsTraversal(t *testing.T) {
	s, funcStore, _ := newTestServer(t)
	funcStore.Exec("INSERT INTO SpecfunctionCall VALUES(?,?,?,?,?,?,?,?,?,?)",
		200.0, 0, 200007, 610, 4, 45290, 43483, "127.0.0.1", "127.0.0.1", "")
	funcStore.Exec("INSERT INTO functionCall VALUES(?,?,?,?)", 200.0, 0, 200007, 610)
	funcStore.Exec("INSERT INTO functionCall VALUES(?,?,?,?)", 200.1, 1, 200007, 610)
	funcStore.Commit()

	w := postForm(t, s.Router(), "/QueryFuncSend", tupleForm())
	require.Equal(t, http.StatusOK, w.Code)

	var trs [][][]interface{}
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &trs))
	require.Equal(t, 1, len(trs))
	require.Equal(t, 2, len(trs[0]))
	// rows serialize positionally: [time, isRet, ID, PID]
	require.Equal(t, 200.0, trs[0][0][0])
	require.Equal(t, float64(200007), trs[0][0][2])
}

func TestQueryPacketSelectsTable(t *testing.T) {
	s, _, packetStore := newTestServer(t)
	packetStore.Exec("INSERT INTO ipv4packets VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		10.0, 0, 1, 64, "aa", "127.0.0.1", "127.0.0.1", 45290, 43483, 6, 1, 64, "4000", "")
	packetStore.Commit()

	form := tupleForm()
	form.Set("ipver", "4")
	w := postForm(t, s.Router(), "/QueryPacket", form)
	require.Equal(t, http.StatusOK, w.Code)
	var rows [][]interface{}
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Equal(t, 1, len(rows))

	form.Set("ipver", "6")
	w = postForm(t, s.Router(), "/QueryPacket", form)
	require.JSONEq(t, "[]", w.Body.String())

	form.Set("ipver", "9")
	w = postForm(t, s.Router(), "/QueryPacket", form)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClearDataRaisesFlags(t *testing.T) {
	s, funcStore, _ := newTestServer(t)
	funcStore.Exec("INSERT INTO functionCall VALUES(?,?,?,?)", 1.0, 0, 7, 610)
	funcStore.Commit()

	req := httptest.NewRequest(http.MethodGet, "/ClearData", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, "Flag Set!", w.Body.String())

	// the flag takes effect at the consumer's next commit tick
	funcStore.Commit()
	var n int
	require.Nil(t, funcStore.DB().Get(&n, "SELECT COUNT(*) FROM functionCall"))
	require.Equal(t, 0, n)
}

func TestGetFuncTable(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/GetFuncTable", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var m map[string]tracer.FuncRecord
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &m))
	require.Equal(t, "tcp_v4_rcv", m["7"].Name)
	require.Equal(t, "tcp_sendmsg", m["200007"].Name)
}

func TestIsAttachFinished(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/IsAttachFinished", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.JSONEq(t, "[true]", w.Body.String())
}

func TestGetRecentMapShape(t *testing.T) {
	s, _, _ := newTestServer(t)
	form := tupleForm()
	form.Set("count", "5")
	w := postForm(t, s.Router(), "/GetRecentMap", form)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[[],[]]", w.Body.String())
}

func TestCORSHeaders(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/IsAttachFinished", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
