// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.MessagesWritten.Add(3)
	m.BroadcastsSent.WithLabelValues("nats").Inc()
	m.OpenTransports.Set(2)
	m.ObserveReconcile(50 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "evolu_relay_messages_written_total 3"))
	require.True(t, strings.Contains(body, `evolu_relay_broadcasts_sent_total{transport="nats"} 1`))
	require.True(t, strings.Contains(body, "evolu_relay_open_transports 2"))
	require.True(t, strings.Contains(body, "evolu_relay_reconcile_duration_seconds"))
}
