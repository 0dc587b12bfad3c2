package migration

import (
	"errors"
	"testing"

	"fieldsync/internal/app/server/config"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockMigrator мок Migrator
type MockMigrator struct {
	mock.Mock
}

func (m *MockMigrator) Up() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMigrator) Close() (error, error) {
	args := m.Called()
	return args.Error(0), args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		DB: config.DB{DatabaseURI: "postgres://localhost/fieldsync", Migrations: "migrations"},
	}
}

func TestMigration_Up_Success(t *testing.T) {
	mockM := new(MockMigrator)
	mockM.On("Up").Return(nil)
	mockM.On("Close").Return(nil, nil)

	var gotSource, gotDB string
	engine := func(source, db string) (Migrator, error) {
		gotSource, gotDB = source, db
		return mockM, nil
	}

	err := NewMigration(testConfig(), engine).Up()

	assert.NoError(t, err)
	assert.Equal(t, "file://migrations", gotSource)
	assert.Equal(t, "postgres://localhost/fieldsync", gotDB)
	mockM.AssertExpectations(t)
}

func TestMigration_Up_NoChange(t *testing.T) {
	mockM := new(MockMigrator)
	// ErrNoChange не должна считаться ошибкой в методе Up()
	mockM.On("Up").Return(migrate.ErrNoChange)
	mockM.On("Close").Return(nil, nil)

	engine := func(source, db string) (Migrator, error) {
		return mockM, nil
	}

	assert.NoError(t, NewMigration(testConfig(), engine).Up())
}

func TestMigration_Up_Failure(t *testing.T) {
	mockM := new(MockMigrator)
	upErr := errors.New("dirty database version 1")
	mockM.On("Up").Return(upErr)
	mockM.On("Close").Return(nil, nil)

	engine := func(source, db string) (Migrator, error) {
		return mockM, nil
	}

	err := NewMigration(testConfig(), engine).Up()
	assert.ErrorIs(t, err, upErr)
}

func TestMigration_Up_CloseErrorsReported(t *testing.T) {
	mockM := new(MockMigrator)
	dbErr := errors.New("connection closed")
	mockM.On("Up").Return(nil)
	mockM.On("Close").Return(nil, dbErr)

	engine := func(source, db string) (Migrator, error) {
		return mockM, nil
	}

	err := NewMigration(testConfig(), engine).Up()
	assert.ErrorIs(t, err, dbErr)
}

func TestMigration_Up_EngineError(t *testing.T) {
	// Ошибка на этапе создания мигратора (например, неверный драйвер)
	engine := func(source, db string) (Migrator, error) {
		return nil, errors.New("engine crash")
	}

	err := NewMigration(testConfig(), engine).Up()

	assert.Error(t, err)
	assert.Equal(t, "engine crash", err.Error())
}
