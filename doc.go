// Package saga provides durable, compensating sagas in Go.
//
// Sagas orchestrate a sequence of side effects that can fail. When one
// fails, the effects that already happened are undone in reverse order.
// For more on distributed sagas, see this 2017 JOTB talk by Caitie
// McCaffrey: https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Describe each external operation as an Effect:
//     - Call performs it, Inverse undoes it.
//     - Probe is optional. It tells whether an operation that was started
//     before a crash actually happened.
//     - NewEffect builds an Effect from typed functions.
//  2. Write the saga as a Procedure: ordinary Go code that calls
//     Step.Call (or Call) for every effect. Control flow may branch on
//     earlier results as long as it is deterministic.
//  3. Pick a History: NewMemoryHistory for tests, NewFileHistory or
//     NewRedisHistory for durable storage.
//  4. Create a Saga with NewSaga and start instances with Saga.Run. Every
//     step is checkpointed in the history before and after its call, so
//     Saga.Load and Saga.LoadAll resume interrupted instances by replaying
//     the recorded results instead of repeating the calls.
//  5. Optionally put several sagas behind a Registry and drive them with a
//     Scheduler, which caps concurrent instances across all of them.
//
// Example:
//
//	reserve := saga.NewEffect("reserve", reserveStock, releaseStock)
//	charge := saga.NewEffect("charge", chargeCard, refundCard)
//
//	order := saga.NewSaga("order", func(ctx context.Context, s *saga.Step, p saga.Payload) (any, error) {
//		r, err := saga.Call[Reservation](ctx, s, reserve, p["items"])
//		if err != nil {
//			return nil, err
//		}
//		return s.Call(ctx, charge, r.Total)
//	}, saga.NewMemoryHistory())
//
//	f, err := order.Run(ctx, saga.Payload{"id": "o-1", "items": items})
//
// The examples directory holds complete programs, including one that
// provisions AWS networking.
package saga
