// Package tracker defines the core types shared by the change tracker subsystems:
// tracked URLs, digest mappings, change sets, run summaries, the error taxonomy and
// the collaborator interfaces implemented by the fetcher, stores and notifier.
package tracker
