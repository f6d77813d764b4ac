package models

// All returns every persisted model in migration order: tables referenced by
// foreign keys come before the tables that reference them.
func All() []any {
	return []any{
		&User{},
		&RefreshToken{},
		&Case{},
		&CaseAssignment{},
		&Task{},
		&Invoice{},
		&TimeEntry{},
		&ActiveTimer{},
		&Expense{},
		&Payment{},
		&Appointment{},
		&Document{},
		&Notification{},
	}
}
