// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package database opens the SQL run archive and manages its connection pool.

Open selects a GORM dialector from config.DatabaseConfig (postgres, mysql
or the pure-Go sqlite driver). PoolManager owns the pool: sizing,
background health checks, and transactions with retry on deadlocks and
serialization failures.
*/
package database
