package phone

import "sync"

// ResultError тег неуспешной операции в журнале результатов
const ResultError = "ERROR"

// Results журнал результатов линии. Записи только добавляются; тестовый
// драйвер читает журнал после завершения сценария.
type Results struct {
	mu      sync.Mutex
	entries []string
}

// Append добавляет запись
func (r *Results) Append(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, tag)
}

// Entries возвращает копию записей
func (r *Results) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

// Len возвращает число записей
func (r *Results) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// HasErrors проверяет наличие записей ERROR
func (r *Results) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e == ResultError {
			return true
		}
	}
	return false
}
