package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/models"
)

func TestQualifiedTable_QuotesIdentifiers(t *testing.T) {
	assert.Equal(t, `"public"."users"`, qualifiedTable("public", "users"))
}

func TestCheckIdentifiers_RejectsSQLiPattern(t *testing.T) {
	col := models.ColumnInfo{
		Schema: "public",
		Table:  "users",
		Name:   `x'; DROP TABLE users; --`,
	}

	err := checkIdentifiers(col)
	require.Error(t, err)

	var appErr *apperrors.Error
	assert.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindSampling, appErr.Kind)
}

func TestCheckIdentifiers_AllowsOrdinaryNames(t *testing.T) {
	col := models.ColumnInfo{Schema: "public", Table: "users", Name: "email"}
	assert.NoError(t, checkIdentifiers(col))
}
