package worker

// maintenanceOperations periodically drops expired mempool entries and
// orphans.
func (w *Worker) maintenanceOperations() {
	w.evHandler("worker: maintenanceOperations: G started")
	defer w.evHandler("worker: maintenanceOperations: G completed")

	for {
		select {
		case <-w.ticker.C:
			if !w.isShutdown() {
				w.state.Maintain(w.cfg.MempoolExpiry)
			}
		case <-w.shut:
			w.evHandler("worker: maintenanceOperations: received shut signal")
			return
		}
	}
}
