package scheduler

const (
	jobStoreType = "memory"
	executorType = "worker-pool"
)

// Metadata describes the scheduler at this instant. It is available in every
// state, including after Shutdown.
func (s *Service) Metadata() Metadata {
	s.mu.Lock()
	st := s.state
	since := s.runningSince
	s.mu.Unlock()

	c := s.store.Counts()
	snap := s.exec.Snapshot()
	m := Metadata{
		SchedulerName:  s.cfg.Name,
		InstanceID:     s.instanceID,
		JobStoreType:   jobStoreType,
		Persistence:    s.store.PersistenceName(),
		ExecutorType:   executorType,
		ThreadPoolSize: snap.Workers,
		State:          st.String(),
		Started:        st == StateStarted,
		InStandby:      st == StateStandby,
		Shutdown:       st == StateShutdown,
		RunningSince:   since,
		JobsExecuted:   snap.Executed,
		Jobs:           c.Jobs,
		Triggers:       c.Triggers,
		Pending:        snap.Pending + snap.Deferred,
		InFlight:       snap.InFlight,
	}
	m.Summary = m.summary()
	return m
}
