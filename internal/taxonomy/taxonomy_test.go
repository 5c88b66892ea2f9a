package taxonomy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   Classification
		ok     bool
	}{
		{status: 200, ok: false},
		{status: 404, want: Classification{CategoryResponse, ReasonNotFound}, ok: true},
		{status: 503, want: Classification{CategoryResponse, ReasonServerError}, ok: true},
		{status: 500, want: Classification{CategoryResponse, ReasonServerError}, ok: true},
		{status: 301, want: Classification{CategoryResponse, ReasonUnexpectedStatus}, ok: true},
		{status: 201, want: Classification{CategoryResponse, ReasonUnexpectedStatus}, ok: true},
		{status: 429, want: Classification{CategoryResponse, ReasonUnexpectedStatus}, ok: true},
	}
	for _, tc := range tests {
		got, ok := ClassifyResponse(tc.status)
		require.Equal(t, tc.ok, ok, "status %d", tc.status)
		require.Equal(t, tc.want, got, "status %d", tc.status)
	}
}

func TestClassifyNetworkFailure(t *testing.T) {
	t.Parallel()

	require.Equal(t, Of(ReasonDNSLookupFailure), ClassifyNetworkFailure(FailureDNS))
	require.Equal(t, Of(ReasonTimeout), ClassifyNetworkFailure(FailureTimeout))
	require.Equal(t, Of(ReasonConnectionError), ClassifyNetworkFailure(FailureConnection))
	require.Equal(t, Of(ReasonConnectionError), ClassifyNetworkFailure("tls handshake"))
	require.Equal(t, CategoryNetwork, ClassifyNetworkFailure("").Category)
}

func TestReasonNamesAndCategories(t *testing.T) {
	t.Parallel()

	require.Equal(t, "MISSING_ATTRIBUTE", ReasonMissingAttribute.String())
	require.Equal(t, CategoryScraper, ReasonQuotaExceeded.Category())
	require.Equal(t, CategoryGeneral, ReasonUnknownError.Category())
	require.Equal(t, "REASON_999", Reason(999).String())
}

func TestSeverityRankings(t *testing.T) {
	t.Parallel()

	require.True(t, LowestCodeFirst(ReasonTimeout, ReasonNotFound))

	rank, err := ParseSeverity([]string{"scraper", "response"})
	require.NoError(t, err)
	require.True(t, rank(ReasonInvalidAPIKey, ReasonNotFound))
	require.True(t, rank(ReasonNotFound, ReasonDNSLookupFailure))
	require.True(t, rank(ReasonDNSLookupFailure, ReasonTimeout))

	_, err = ParseSeverity([]string{"cosmic"})
	require.Error(t, err)
}
