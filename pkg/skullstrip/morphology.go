package skullstrip

import "brainprep/internal/models"

// grid walks the 6-neighbourhood of an x-fastest volume.
type grid struct {
	w, h, d int
}

func (g grid) neighbors(idx int, fn func(n int)) {
	plane := g.w * g.h
	z := idx / plane
	rem := idx - z*plane
	y := rem / g.w
	x := rem - y*g.w

	if x > 0 {
		fn(idx - 1)
	}
	if x < g.w-1 {
		fn(idx + 1)
	}
	if y > 0 {
		fn(idx - g.w)
	}
	if y < g.h-1 {
		fn(idx + g.w)
	}
	if z > 0 {
		fn(idx - plane)
	}
	if z < g.d-1 {
		fn(idx + plane)
	}
}

func (g grid) onBorder(idx int) bool {
	plane := g.w * g.h
	z := idx / plane
	rem := idx - z*plane
	y := rem / g.w
	x := rem - y*g.w
	return x == 0 || y == 0 || z == 0 || x == g.w-1 || y == g.h-1 || z == g.d-1
}

// erode keeps a voxel only if all six neighbours are set. Voxels outside the
// grid count as background.
func (g grid) erode(m models.Mask) models.Mask {
	out := make(models.Mask, len(m))
	for i, in := range m {
		if !in || g.onBorder(i) {
			continue
		}
		keep := true
		g.neighbors(i, func(n int) {
			if !m[n] {
				keep = false
			}
		})
		out[i] = keep
	}
	return out
}

func (g grid) dilate(m models.Mask) models.Mask {
	out := make(models.Mask, len(m))
	copy(out, m)
	for i, in := range m {
		if !in {
			continue
		}
		g.neighbors(i, func(n int) {
			out[n] = true
		})
	}
	return out
}

// largestComponent returns only the biggest 6-connected foreground component.
func (g grid) largestComponent(m models.Mask) models.Mask {
	labels := make([]int32, len(m))
	queue := make([]int, 0, 1024)
	var (
		next      int32
		bestLabel int32
		bestSize  int
	)

	for seed, in := range m {
		if !in || labels[seed] != 0 {
			continue
		}
		next++
		labels[seed] = next
		queue = append(queue[:0], seed)
		size := 0
		for len(queue) > 0 {
			cur := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++
			g.neighbors(cur, func(n int) {
				if m[n] && labels[n] == 0 {
					labels[n] = next
					queue = append(queue, n)
				}
			})
		}
		if size > bestSize {
			bestSize = size
			bestLabel = next
		}
	}

	out := make(models.Mask, len(m))
	if bestLabel == 0 {
		return out
	}
	for i, l := range labels {
		out[i] = l == bestLabel
	}
	return out
}

// fillHoles sets every background voxel that cannot be reached from the grid
// border through background.
func (g grid) fillHoles(m models.Mask) models.Mask {
	outside := make([]bool, len(m))
	queue := make([]int, 0, 1024)
	for i, in := range m {
		if !in && g.onBorder(i) {
			outside[i] = true
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		g.neighbors(cur, func(n int) {
			if !m[n] && !outside[n] {
				outside[n] = true
				queue = append(queue, n)
			}
		})
	}

	out := make(models.Mask, len(m))
	for i := range m {
		out[i] = m[i] || !outside[i]
	}
	return out
}
