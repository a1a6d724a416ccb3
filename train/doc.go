// Package train provides the core types of the retriever training pipeline.
//
// # Reading Guide
//
// Start with these files to understand how a training step flows:
//   - losses.go: ParseLosses reduces a model's named losses into log variables and a total
//   - batch.go: Batch, Outputs and ProcessBatch, the adapter the runner calls once per iteration
//   - module.go: Param, Module and Optimizer, the contracts between model, optimizer and runner
//
// # Architecture
//
// The train package defines interfaces and configuration; implementations live in
// sub-packages:
//   - train/data/: datasets and the prefetching data loader
//   - train/model/: the retrieval embedding model
//   - train/optim/: SGD and Adam optimizers
//   - train/parallel/: data-parallel execution across devices
//   - train/runner/: the epoch loop, hooks, logging and checkpoints
//   - train/logstore/: SQLite persistence for logged variables
//   - train/retriever/: the entry point that wires all of the above together
package train
