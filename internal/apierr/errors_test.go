package apierr_test

import (
	"errors"
	"testing"

	"agrilend/internal/apierr"

	"github.com/stretchr/testify/require"
)

func TestErrorIsComparesByKind(t *testing.T) {
	err := apierr.New(apierr.KindNotFound, "loan %d not found", 7)
	require.True(t, errors.Is(err, apierr.New(apierr.KindNotFound, "anything")))
	require.False(t, errors.Is(err, apierr.New(apierr.KindUnauthorized, "anything")))
}

func TestInvalidMetadataCarriesField(t *testing.T) {
	err := apierr.InvalidMetadata("valuation_idr", "must be positive")
	require.Equal(t, apierr.KindInvalidMetadata, err.Kind)
	require.Equal(t, "valuation_idr", err.Field)
	require.Contains(t, err.Error(), "field=valuation_idr")
}

func TestKindOfDistinguishesForeignErrors(t *testing.T) {
	require.Equal(t, apierr.KindNotFound, apierr.KindOf(apierr.New(apierr.KindNotFound, "x")))
	require.Equal(t, apierr.KindInternal, apierr.KindOf(errors.New("boom")))
	require.Equal(t, apierr.Kind(""), apierr.KindOf(nil))
}
