// Package widefm implements a distributed parameter-server engine for
// training sparse factorization machines (linear, FM and FFM losses) over
// feature spaces addressed by 64-bit IDs.
//
// A training run is made of three node groups: one scheduler, a group of
// servers holding model shards, and a group of workers streaming data and
// computing gradients. The scheduler splits each epoch into parts and hands
// them to workers through a tracker; workers pull weights from and push
// gradients to the servers through the parameter store; servers apply the
// configured updater (SGD/FTRL/AdaGrad, block coordinate descent, or L-BFGS)
// on every push.
//
// The same binary runs all roles. With no role configured it runs scheduler,
// server and worker in a single process, which is the mode used by tests and
// small jobs.
package widefm

// Version is the widefm release version.
const Version = "0.3.0"
