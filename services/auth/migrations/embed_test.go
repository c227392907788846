package migrations

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mega-0064/Learning-Platform/pkg/database"
)

func TestFS_Order(t *testing.T) {
	names, err := database.PendingMigrations(FS)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_create_users.up.sql",
		"002_create_single_use_tokens.up.sql",
		"003_create_external_identities.up.sql",
	}, names)
}

func TestFS_ConstraintNames(t *testing.T) {
	users, err := fs.ReadFile(FS, "001_create_users.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(users), "users_email_key")
	assert.Contains(t, string(users), "users_username_key")

	links, err := fs.ReadFile(FS, "003_create_external_identities.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(links), "external_identities_provider_key")
}
