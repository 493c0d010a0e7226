package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/models"
)

func TestQualifiedTable_QuotesIdentifiers(t *testing.T) {
	assert.Equal(t, "[dbo].[Users]", qualifiedTable("dbo", "Users"))
}

func TestQuoteName_EscapesClosingBracket(t *testing.T) {
	assert.Equal(t, "[a]]b]", quoteName("a]b"))
}

func TestCheckIdentifiers_RejectsSQLiPattern(t *testing.T) {
	col := models.ColumnInfo{
		Schema: "dbo",
		Table:  "Users",
		Name:   `x'; DROP TABLE Users; --`,
	}

	err := checkIdentifiers(col)
	require.Error(t, err)

	var appErr *apperrors.Error
	assert.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindSampling, appErr.Kind)
}

func TestCheckIdentifiers_AllowsOrdinaryNames(t *testing.T) {
	col := models.ColumnInfo{Schema: "dbo", Table: "Users", Name: "Email"}
	assert.NoError(t, checkIdentifiers(col))
}
