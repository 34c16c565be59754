package worker

import "github.com/loftmedia/autolog/pkg/logger"

var workerLogger = logger.Get("Worker")

type (
	WakeupChan   chan int
	WorkerStatus int

	// TaskFn is the unit of work executed by a worker. The function should
	// claim at most one piece of work and report whether anything was
	// claimed; workers keep calling it until it reports false, at which
	// point they sleep until woken.
	TaskFn func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WakeupChan
		Label() string
		Sleep() bool
		Close()
	}

	taskWorker struct {
		label         string
		task          TaskFn
		wakeupChan    WakeupChan
		currentStatus WorkerStatus
	}
)

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

func NewWorker(label string, task TaskFn) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WakeupChan),
		currentStatus: Sleeping,
	}
}

// Start runs the workers task function until it reports that no work
// was available, then puts the worker to sleep. A closed wakeup channel
// causes Start to return; any other wakeup resumes the task loop.
func (worker *taskWorker) Start() {
	worker.currentStatus = Working
	for {
		for {
			didWork, err := worker.task(worker)
			if err != nil {
				workerLogger.Emit(logger.ERROR, "Worker %s task reported an error(%T): %v\n", worker.label, err, err.Error())
				break
			}

			if !didWork {
				break
			}
		}

		if !worker.Sleep() {
			return
		}
	}
}

func (worker *taskWorker) Status() WorkerStatus { return worker.currentStatus }

func (worker *taskWorker) WakeupChan() WakeupChan { return worker.wakeupChan }

func (worker *taskWorker) Label() string { return worker.label }

// Close closes the Worker by closing the WakeupChan. Note that this does
// not interrupt a currently running task.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Sleep puts a worker to sleep until its wakeupChan is signalled from
// another goroutine. Returns a boolean that is 'false' if the wakeup
// channel was closed, indicating the worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.currentStatus = Sleeping

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = Working
	} else {
		worker.currentStatus = Finished
	}

	return isAlive
}
