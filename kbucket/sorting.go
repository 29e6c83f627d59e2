package kbucket

import (
	"sort"
)

// contactDistance 联系人及其到目标的距离
type contactDistance struct {
	c        Contact
	distance ID
}

// contactDistanceSorter 按到目标的异或距离排序联系人
type contactDistanceSorter struct {
	contacts []contactDistance
	target   ID
}

// Len 实现sort.Interface接口
func (cds *contactDistanceSorter) Len() int { return len(cds.contacts) }

// Swap 实现sort.Interface接口
func (cds *contactDistanceSorter) Swap(a, b int) {
	cds.contacts[a], cds.contacts[b] = cds.contacts[b], cds.contacts[a]
}

// Less 实现sort.Interface接口
// 距离相同时按标识符本身升序排列
func (cds *contactDistanceSorter) Less(a, b int) bool {
	da, db := cds.contacts[a].distance, cds.contacts[b].distance
	if da != db {
		return da.less(db)
	}
	return cds.contacts[a].c.ID.less(cds.contacts[b].c.ID)
}

// appendContact 添加联系人到排序器
func (cds *contactDistanceSorter) appendContact(c Contact) {
	cds.contacts = append(cds.contacts, contactDistance{
		c:        c,
		distance: xor(cds.target, c.ID),
	})
}

// sort 执行排序
func (cds *contactDistanceSorter) sort() {
	sort.Sort(cds)
}

// SortClosestContacts 按到target的距离升序排序给定联系人
// 参数:
//   - contacts: []Contact 联系人列表
//   - target: ID 目标标识符
//
// 返回值:
//   - []Contact 排序后的新切片
func SortClosestContacts(contacts []Contact, target ID) []Contact {
	sorter := contactDistanceSorter{
		contacts: make([]contactDistance, 0, len(contacts)),
		target:   target,
	}
	for _, c := range contacts {
		sorter.appendContact(c)
	}
	sorter.sort()
	out := make([]Contact, 0, sorter.Len())
	for _, c := range sorter.contacts {
		out = append(out, c.c)
	}
	return out
}

// SortClosestIDs 按到target的距离升序排序标识符
func SortClosestIDs(ids []ID, target ID) []ID {
	out := make([]ID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		di, dj := xor(out[i], target), xor(out[j], target)
		if di != dj {
			return di.less(dj)
		}
		return out[i].less(out[j])
	})
	return out
}
