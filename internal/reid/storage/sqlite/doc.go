// Package sqlite persists matching runs and their results in SQLite.
//
// The schema is owned by the embedded migrations; Open applies the
// connection pragmas and MigrateUp brings the schema to the latest
// version. RunStore satisfies pipeline.RunRecorder so a Manager can record
// every run's lifecycle without knowing about SQL.
package sqlite
