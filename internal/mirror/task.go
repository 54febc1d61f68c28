package mirror

// Lane names a queue of tasks with one kind of handler.
type Lane string

// Queue lanes.
const (
	// LanePush carries {crawl, feed, url}; delivery resolves to MaybePushShard.
	LanePush Lane = "push"
	// LaneWorker carries {shard}; delivery processes one shard.
	LaneWorker Lane = "worker"
)

// Task is a queue payload. Push tasks set Crawl, Feed and URL; worker tasks set Shard.
type Task struct {
	Lane    Lane   `json:"lane"`
	Crawl   string `json:"crawl,omitempty"`
	Feed    string `json:"feed,omitempty"`
	URL     string `json:"url,omitempty"`
	Shard   string `json:"shard,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// PushTask builds a push-lane task.
func PushTask(crawlKey, feedURL, url string) Task {
	return Task{Lane: LanePush, Crawl: crawlKey, Feed: feedURL, URL: url}
}

// WorkerTask builds a worker-lane task.
func WorkerTask(shardKey string) Task {
	return Task{Lane: LaneWorker, Shard: shardKey}
}

// Delivery is one dequeued task. The consumer settles it exactly once: Ack
// drops it from the lane, Nack hands it back for another delivery.
type Delivery struct {
	Task   Task
	settle func(ack bool)
}

// NewDelivery wraps task with the queue's settle callback.
func NewDelivery(task Task, settle func(ack bool)) Delivery {
	return Delivery{Task: task, settle: settle}
}

// Ack marks the task handled.
func (d Delivery) Ack() {
	if d.settle != nil {
		d.settle(true)
	}
}

// Nack asks the lane to deliver the task again.
func (d Delivery) Nack() {
	if d.settle != nil {
		d.settle(false)
	}
}
