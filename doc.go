// Package schedrun runs user workflows on cron schedules while bounding how
// much concurrent execution one user, or the fleet, may consume.
//
// Wiring:
//  1. Open the relational store with record.Open and apply record.SQLStore.Migrate.
//  2. Build an admission.Controller over a counter.Client (Redis).
//  3. Build an execution.Processor and a completion.Listener.
//  4. Create a Server, Register both handlers and Run it.
//  5. Enqueue work with Client.EnqueueFire, TriggerManually or Retry.
//
// Jobs are queued on one queue per priority (schedule:p1 .. schedule:p10)
// served with strict priority. A job deferred by admission is redelivered
// after a fixed delay without counting as a failed attempt; every other
// failure is recorded on the execution record and never retried
// automatically.
package schedrun
