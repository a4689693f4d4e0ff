package database

import (
	"database/sql"
	stdlog "log"

	"github.com/username/clearledger/src/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

func InitDB(databasePath string) {
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}

	DB = db

	// Serialized statement-chain writes rely on transactions; keep a single
	// connection pool with foreign keys on.
	if _, err := DB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		stdlog.Printf("failed to enable foreign keys: %v", err)
	}

	if logger.L != nil {
		logger.L.Info("Checking database migrations", "databasePath", databasePath)
	} else {
		stdlog.Println("Checking database migrations for:", databasePath)
	}
	migrateImportJobsTable()

	createTableStatement := `
	CREATE TABLE IF NOT EXISTS import_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		checksum TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		storage_ref TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		tier_used TEXT DEFAULT '',
		pages_processed INTEGER DEFAULT 0,
		pages_failed INTEGER DEFAULT 0,
		failure_reason TEXT DEFAULT '',
		review_decision TEXT DEFAULT '',
		superseded BOOLEAN DEFAULT FALSE,
		page_state TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_import_jobs_active_checksum
		ON import_jobs(account_id, checksum) WHERE superseded = FALSE;

	CREATE TABLE IF NOT EXISTS statements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		import_job_id INTEGER,
		sequence_number INTEGER NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		opening_balance TEXT NOT NULL,
		closing_balance TEXT NOT NULL,
		currency TEXT NOT NULL,
		is_gap_detected BOOLEAN DEFAULT FALSE,
		is_locked BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(import_job_id) REFERENCES import_jobs(id),
		UNIQUE(account_id, sequence_number)
	);

	CREATE TABLE IF NOT EXISTS statement_pages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		statement_id INTEGER NOT NULL,
		page_number INTEGER NOT NULL,
		start_balance TEXT,
		end_balance TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		raw_text TEXT DEFAULT '',
		failure_kind TEXT DEFAULT '',
		FOREIGN KEY(statement_id) REFERENCES statements(id),
		UNIQUE(statement_id, page_number)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		statement_id INTEGER,
		page_number INTEGER DEFAULT 0,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT DEFAULT '',
		counterparty TEXT DEFAULT '',
		counterparty_iban TEXT DEFAULT '',
		description TEXT DEFAULT '',
		bank_reference TEXT DEFAULT '',
		provider_id TEXT DEFAULT '',
		source TEXT NOT NULL,
		match_status TEXT NOT NULL DEFAULT 'UNMATCHED',
		matched_invoice_id INTEGER,
		confidence_score REAL DEFAULT 0,
		matched_at TIMESTAMP,
		matched_by TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(statement_id) REFERENCES statements(id)
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		invoice_number TEXT NOT NULL,
		counterparty TEXT DEFAULT '',
		amount TEXT NOT NULL,
		currency TEXT DEFAULT '',
		issued_at TEXT NOT NULL,
		due_at TEXT NOT NULL,
		paid_at TIMESTAMP,
		UNIQUE(account_id, invoice_number)
	);

	CREATE TABLE IF NOT EXISTS potential_duplicates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		existing_tx_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT DEFAULT '',
		reference TEXT DEFAULT '',
		counterparty TEXT DEFAULT '',
		similarity REAL NOT NULL,
		resolved BOOLEAN DEFAULT FALSE,
		kept_on_resolve BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(existing_tx_id) REFERENCES transactions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account_date ON transactions(account_id, date);
	CREATE INDEX IF NOT EXISTS idx_transactions_provider ON transactions(account_id, provider_id);
	CREATE INDEX IF NOT EXISTS idx_statements_chain ON statements(account_id, sequence_number);
	`

	_, err = DB.Exec(createTableStatement)
	if err != nil {
		if logger.L != nil {
			logger.L.Error("failed to create tables", "error", err)
		}
		stdlog.Fatalf("failed to create tables: %v", err)
	}
	if logger.L != nil {
		logger.L.Info("Database tables ensured/created.")
	} else {
		stdlog.Println("Database tables ensured/created.")
	}
}

// migrateImportJobsTable adds columns introduced after the first schema
// version to existing databases.
func migrateImportJobsTable() {
	var tableName string
	err := DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='import_jobs'").Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			return // table will be created with the full schema
		}
		if logger.L != nil {
			logger.L.Error("Error checking for 'import_jobs' table", "error", err)
		} else {
			stdlog.Printf("Error checking for 'import_jobs' table: %v", err)
		}
		return
	}

	rows, err := DB.Query("PRAGMA table_info(import_jobs)")
	if err != nil {
		if logger.L != nil {
			logger.L.Error("Error querying table schema for 'import_jobs'", "error", err)
		}
		return
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			if logger.L != nil {
				logger.L.Error("Error scanning column info for 'import_jobs'", "error", err)
			}
			return
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		if logger.L != nil {
			logger.L.Error("Error iterating over column info for 'import_jobs'", "error", err)
		}
		return
	}

	if _, ok := columnExists["review_decision"]; !ok {
		if _, err := DB.Exec("ALTER TABLE import_jobs ADD COLUMN review_decision TEXT DEFAULT ''"); err != nil {
			logger.L.Error("Error adding 'review_decision' column to 'import_jobs'", "error", err)
		} else {
			logger.L.Info("Added 'review_decision' column to 'import_jobs'")
		}
	}
	if _, ok := columnExists["superseded"]; !ok {
		if _, err := DB.Exec("ALTER TABLE import_jobs ADD COLUMN superseded BOOLEAN DEFAULT FALSE"); err != nil {
			logger.L.Error("Error adding 'superseded' column to 'import_jobs'", "error", err)
		} else {
			logger.L.Info("Added 'superseded' column to 'import_jobs'")
		}
	}
	if _, ok := columnExists["page_state"]; !ok {
		if _, err := DB.Exec("ALTER TABLE import_jobs ADD COLUMN page_state TEXT DEFAULT ''"); err != nil {
			logger.L.Error("Error adding 'page_state' column to 'import_jobs'", "error", err)
		} else {
			logger.L.Info("Added 'page_state' column to 'import_jobs'")
		}
	}
}
