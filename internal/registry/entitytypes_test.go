package registry_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/registry"
)

func TestAddEntityTypeDefinitionRejectsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := registry.NewEntityTypeRegistry(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).WillReturnRows(
		sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err = r.AddEntityTypeDefinition(context.Background(), registry.EntityTypeDefinition{
		Name: "widget", Version: 1, JSONSchema: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindEntityTypeAlreadyExists))
}

func TestAddEntityTypeDefinitionRejectsInvalidName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := registry.NewEntityTypeRegistry(db)
	err = r.AddEntityTypeDefinition(context.Background(), registry.EntityTypeDefinition{
		Name: "Widget!", Version: 1, JSONSchema: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindParameterValidation))
}

func TestGetLatestEntityTypeDefinitionReturnsHighestVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := registry.NewEntityTypeRegistry(db)

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY version DESC LIMIT 1`)).WillReturnRows(
		sqlmock.NewRows([]string{"name", "version", "json_schema", "description"}).
			AddRow("widget", 3, []byte(`{"type":"object"}`), "a widget"))

	def, ok, err := r.GetLatestEntityTypeDefinition(context.Background(), "widget")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, def.Version)
}
