package buildsys

// Plan returns the execution order for the given tasks. Every prerequisite appears exactly once
// and before the tasks depending on it. Tasks are planned in the order they were passed; within
// the prerequisites of a task, tasks that were registered first run first.
func (o *Orchestrator) Plan(names ...string) ([]string, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	o.lock.RLock()
	defer o.lock.RUnlock()

	planned := make(map[string]bool)
	result := make([]string, 0)

	for _, name := range names {
		root, ok := o.tasks[name]
		if !ok {
			return nil, &UnknownTaskError{Name: name}
		}

		if planned[name] {
			continue
		}

		for _, task := range o.topoSort(root, planned) {
			planned[task.Name] = true
			result = append(result, task.Name)
		}
	}

	return result, nil
}

// topoSort orders the part of root's dependency closure that isn't planned yet using Kahn's
// algorithm. The graph has to be acyclic.
func (o *Orchestrator) topoSort(root *Task, planned map[string]bool) []*Task {
	closure := make(map[string]*Task)
	queue := []*Task{root}
	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]

		if _, ok := closure[task.Name]; ok || planned[task.Name] {
			continue
		}
		closure[task.Name] = task

		for _, dep := range task.Deps {
			queue = append(queue, o.tasks[dep])
		}
	}

	pending := make(map[string]int, len(closure))
	dependents := make(map[string][]*Task, len(closure))
	for _, task := range closure {
		seen := make(map[string]bool, len(task.Deps))
		for _, dep := range task.Deps {
			if _, ok := closure[dep]; !ok || seen[dep] {
				continue
			}
			seen[dep] = true

			pending[task.Name]++
			dependents[dep] = append(dependents[dep], task)
		}
	}

	ready := make([]*Task, 0)
	for _, task := range closure {
		if pending[task.Name] == 0 {
			ready = append(ready, task)
		}
	}

	result := make([]*Task, 0, len(closure))
	for len(ready) > 0 {
		// pick the ready task that was registered first
		next := 0
		for idx, task := range ready {
			if task.index < ready[next].index {
				next = idx
			}
		}

		task := ready[next]
		ready = append(ready[:next], ready[next+1:]...)
		result = append(result, task)

		for _, dependent := range dependents[task.Name] {
			pending[dependent.Name]--
			if pending[dependent.Name] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	return result
}
