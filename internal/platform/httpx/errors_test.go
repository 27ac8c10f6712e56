package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilog/agrilog/internal/shared"
)

func TestRespondErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{shared.ErrUnauthenticated, http.StatusUnauthorized},
		{shared.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("rbac: role 9: %w", shared.ErrNotFound), http.StatusNotFound},
		{shared.ErrValidation, http.StatusBadRequest},
		{shared.ErrConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("pq: relation audit_records does not exist"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Internal Server Error", body.Error)
}
