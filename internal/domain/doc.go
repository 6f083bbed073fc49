// Package domain holds the persisted data model shared by the scheduler,
// the execution coordinator and the administrative services, plus the
// deterministic keys that tie database rows to scheduler entries.
package domain
