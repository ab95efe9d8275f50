package storage

import "context"

// InitStore opens the store and, when migrate is set, brings the schema up to date first.
func InitStore(ctx context.Context, driver, dsn string, migrate bool) (*SQLStore, error) {
	if migrate {
		if driver == DriverSQLite {
			if err := ensureSQLitePath(dsn); err != nil {
				return nil, err
			}
		}
		if err := Migrate(driver, dsn); err != nil {
			return nil, err
		}
	}
	store, err := NewSQLStore(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}
